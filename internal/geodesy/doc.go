// Package geodesy turns two geodetic points into a pointing vector.
//
// Everything here is pure: distances use the haversine formula on a sphere,
// bearings use the standard initial-bearing formula, and the magnetic
// correction is delegated to an injected DeclinationProvider.
package geodesy
