// Package nav holds the coordinate-frame math shared by the goto and orbit
// commands: great-circle distances and conversion between the local NED frame
// and geodetic coordinates around a reference fix.
package nav

import "math"

const earthRadiusMetres float64 = 6371000

// Distance returns the great-circle distance in metres between two
// geodetic points.
func Distance(latFrom, lonFrom, latTo, lonTo float64) float64 {
	deltaLat := (latTo - latFrom) * (math.Pi / 180)
	deltaLon := (lonTo - lonFrom) * (math.Pi / 180)

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(latFrom*(math.Pi/180))*math.Cos(latTo*(math.Pi/180))*
			math.Sin(deltaLon/2)*math.Sin(deltaLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))

	return earthRadiusMetres * c
}

// DeltaXY converts the difference between two geodetic points into signed
// east (x) and north (y) distances in metres.
func DeltaXY(latFrom, lonFrom, latTo, lonTo float64) (dx, dy float64) {
	dlon := lonTo - lonFrom
	dlat := latTo - latFrom
	dx = Distance(latFrom, lonFrom, latFrom, lonTo)
	dy = Distance(latFrom, lonFrom, latTo, lonFrom)

	return math.Copysign(dx, dlon), math.Copysign(dy, dlat)
}

// Offset displaces a geodetic point by north/east metres using a small-angle
// approximation, accurate to centimetres over command-scale distances.
func Offset(lat, lon, north, east float64) (float64, float64) {
	dLat := north / earthRadiusMetres
	dLon := east / (earthRadiusMetres * math.Cos(lat*math.Pi/180))

	return lat + dLat*180/math.Pi, lon + dLon*180/math.Pi
}

// LocalToGlobal converts an arm-point-relative NED position to geodetic
// coordinates given the reference fix of the arm point. Down is positive
// toward the ground, so altitude is reference altitude minus down.
func LocalToGlobal(refLat, refLon, refAlt, north, east, down float64) (lat, lon, alt float64) {
	lat, lon = Offset(refLat, refLon, north, east)
	return lat, lon, refAlt - down
}

// GlobalToLocal converts geodetic coordinates to the NED frame anchored at
// the reference fix.
func GlobalToLocal(refLat, refLon, refAlt, lat, lon, alt float64) (north, east, down float64) {
	dx, dy := DeltaXY(refLat, refLon, lat, lon)
	return dy, dx, refAlt - alt
}

// DistanceNED returns the Euclidean distance between two NED positions.
func DistanceNED(n1, e1, d1, n2, e2, d2 float64) float64 {
	dn := n2 - n1
	de := e2 - e1
	dd := d2 - d1
	return math.Sqrt(dn*dn + de*de + dd*dd)
}
