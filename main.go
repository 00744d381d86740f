package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	jwt "github.com/dgrijalva/jwt-go"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/uavforge/commandlink/config"
	"github.com/uavforge/commandlink/internal/backend"
	"github.com/uavforge/commandlink/internal/catalog"
	"github.com/uavforge/commandlink/internal/commands"
	"github.com/uavforge/commandlink/internal/engine"
	"github.com/uavforge/commandlink/internal/flightlog"
	"github.com/uavforge/commandlink/internal/mqttlink"
	"github.com/uavforge/commandlink/internal/telemetry"
)

const (
	registryID = "fleet-registry"
	projectID  = "uav-forge"
	region     = "europe-west1"
	algorithm  = "RS256"
)

// MQTT parameters
const (
	Username = "unused"
)

var (
	defaultFlagSet    = flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	deviceID          = defaultFlagSet.String("device_id", "", "The provisioned device id")
	backendKind       = defaultFlagSet.String("backend", "", "Vehicle backend: sdk, mavlink or rest")
	connString        = defaultFlagSet.String("conn", "", "Vehicle connection string")
	mqttBrokerAddress = defaultFlagSet.String("mqtt_broker", "", "MQTT broker protocol, address and port")
	privateKeyPath    = defaultFlagSet.String("private_key", "", "The private key for the MQTT authentication")
	catalogPath       = defaultFlagSet.String("catalog", "", "Command catalog override file")
	flightLogPath     = defaultFlagSet.String("flight_log", "", "Flight log database path")
)

func main() {
	defaultFlagSet.Parse(os.Args[1:])

	cfg := config.LoadConfig()
	applyFlags(&cfg)

	terminationSignals := make(chan os.Signal, 1)
	signal.Notify(terminationSignals, syscall.SIGINT, syscall.SIGTERM)
	ctx, quitFunc := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	// Setup the vehicle backend
	b, err := backend.New(cfg.BackendKind, cfg.DeviceID)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("Connecting to vehicle at %v...", cfg.ConnString)
	if err := b.Connect(ctx, cfg.ConnString); err != nil {
		log.Fatal(err)
	}
	defer b.Disconnect(context.Background())
	log.Printf("..Connected")

	// Setup the command catalog
	var overrides map[string]*catalog.CommandSpec
	if cfg.CatalogPath != "" {
		overrides, err = catalog.LoadFile(cfg.CatalogPath)
		if err != nil {
			log.Fatal(err)
		}
	}
	cat := catalog.New(overrides)

	// Setup telemetry
	poller := telemetry.NewPoller(b, cfg.PollInterval)
	poller.Start(ctx, &wg)

	// Setup the flight log
	flog, err := flightlog.Open(cfg.FlightLogPath, cfg.DeviceID)
	if err != nil {
		log.Fatal(err)
	}
	defer flog.Close()
	flog.Start(ctx, &wg, poller)

	// Setup the engine
	recorders := &engine.Fanout{}
	recorders.Add(flog)
	eng, err := engine.New(cat, commands.Factories(), b, recorders)
	if err != nil {
		log.Fatal(err)
	}
	eng.Start(ctx, &wg)

	// Setup the MQTT link
	if cfg.MQTTBroker != "" {
		mqttClient := newMQTTClient(cfg)
		defer mqttClient.Disconnect(1000)

		link := mqttlink.New(mqttClient, eng, poller, cfg.DeviceID)
		recorders.Add(link)
		if err := link.Start(ctx, &wg); err != nil {
			log.Fatal(err)
		}
	}

	// wait for termination and close quit to signal all
	<-terminationSignals
	// cancel the main context
	log.Printf("Shutting down..")
	quitFunc()
	// wait until goroutines have done their cleanup
	log.Printf("Waiting for routines to finish..")
	wg.Wait()
	log.Printf("Signing off - BYE")
}

func applyFlags(cfg *config.Config) {
	if *deviceID != "" {
		cfg.DeviceID = *deviceID
	}
	if *backendKind != "" {
		cfg.BackendKind = *backendKind
	}
	if *connString != "" {
		cfg.ConnString = *connString
	}
	if *mqttBrokerAddress != "" {
		cfg.MQTTBroker = *mqttBrokerAddress
	}
	if *privateKeyPath != "" {
		cfg.PrivateKeyPath = *privateKeyPath
	}
	if *catalogPath != "" {
		cfg.CatalogPath = *catalogPath
	}
	if *flightLogPath != "" {
		cfg.FlightLogPath = *flightLogPath
	}
}

func newMQTTClient(cfg config.Config) mqtt.Client {
	serverAddress := cfg.MQTTBroker
	log.Printf("address: %v", serverAddress)

	// generate MQTT client
	clientID := fmt.Sprintf(
		"projects/%s/locations/%s/registries/%s/devices/%s",
		projectID, region, registryID, cfg.DeviceID)

	log.Println("Client ID:", clientID)

	// load private key
	keyData, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		panic(err)
	}

	var key interface{}
	switch algorithm {
	case "RS256":
		key, err = jwt.ParseRSAPrivateKeyFromPEM(keyData)
	case "ES256":
		key, err = jwt.ParseECPrivateKeyFromPEM(keyData)
	default:
		log.Fatalf("Unknown algorithm: %s", algorithm)
	}
	if err != nil {
		panic(err)
	}

	// generate JWT as the MQTT password
	t := time.Now()
	token := jwt.NewWithClaims(jwt.GetSigningMethod(algorithm), &jwt.StandardClaims{
		IssuedAt:  t.Unix(),
		ExpiresAt: t.Add(24 * time.Hour).Unix(),
		Audience:  projectID,
	})
	pass, err := token.SignedString(key)
	if err != nil {
		panic(err)
	}

	// configure MQTT client
	opts := mqtt.NewClientOptions().
		AddBroker(serverAddress).
		SetClientID(clientID).
		SetUsername(Username).
		SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}).
		SetPassword(pass).
		SetProtocolVersion(4) // Use MQTT 3.1.1

	client := mqtt.NewClient(opts)

	for {
		// retry for ever
		log.Printf("Connecting MQTT...")
		tok := client.Connect()
		if err := tok.Error(); err != nil {
			panic(err)
		}
		if !tok.WaitTimeout(time.Second * 5) {
			log.Println("Connection Timeout")
			continue
		}
		if err := tok.Error(); err != nil {
			panic(err)
		}
		log.Printf("..Connected")
		break
	}

	return client
}
