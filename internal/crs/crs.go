// Package crs converts coordinates between WGS84 geographic degrees and the
// WGS84 UTM zones used as metric working systems.
package crs

import (
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// EPSG codes handled by this package.
const (
	WGS84          = 4326
	utmNorthOffset = 32600
	utmSouthOffset = 32700
)

// CRS identifies a coordinate reference system by EPSG code.
type CRS struct {
	Code int
}

// Geographic is EPSG:4326.
var Geographic = CRS{Code: WGS84}

// Parse accepts "EPSG:32719", "epsg:4326" or a bare code like "32719".
func Parse(s string) (CRS, error) {
	raw := strings.TrimSpace(strings.ToUpper(s))
	raw = strings.TrimPrefix(raw, "EPSG:")
	code, err := strconv.Atoi(raw)
	if err != nil {
		return CRS{}, eris.Errorf("crs: invalid identifier %q", s)
	}
	c := CRS{Code: code}
	if !c.Supported() {
		return CRS{}, eris.Errorf("crs: unsupported EPSG code %d", code)
	}
	return c, nil
}

// MustParse is Parse for package-level constants and tests.
func MustParse(s string) CRS {
	c, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return c
}

// Supported reports whether the code is WGS84 or a WGS84 UTM zone.
func (c CRS) Supported() bool {
	return c.Code == WGS84 || c.zone() > 0
}

// IsGeographic reports whether coordinates are lon/lat degrees.
func (c CRS) IsGeographic() bool { return c.Code == WGS84 }

// IsMetric reports whether coordinates are projected meters.
func (c CRS) IsMetric() bool { return c.zone() > 0 }

func (c CRS) String() string { return "EPSG:" + strconv.Itoa(c.Code) }

// zone returns the UTM zone number, or 0 when c is not a UTM code.
func (c CRS) zone() int {
	switch {
	case c.Code > utmNorthOffset && c.Code <= utmNorthOffset+60:
		return c.Code - utmNorthOffset
	case c.Code > utmSouthOffset && c.Code <= utmSouthOffset+60:
		return c.Code - utmSouthOffset
	}
	return 0
}

func (c CRS) south() bool {
	return c.Code > utmSouthOffset && c.Code <= utmSouthOffset+60
}

// UTMFor returns the UTM zone CRS containing the given point.
func UTMFor(lon, lat float64) CRS {
	zone := int((lon+180)/6) + 1
	if zone > 60 {
		zone = 60
	}
	if zone < 1 {
		zone = 1
	}
	if lat < 0 {
		return UTMSouth(zone)
	}
	return UTMNorth(zone)
}

// UTMNorth returns the northern hemisphere UTM CRS for zone.
func UTMNorth(zone int) CRS { return CRS{Code: utmNorthOffset + zone} }

// UTMSouth returns the southern hemisphere UTM CRS for zone.
func UTMSouth(zone int) CRS { return CRS{Code: utmSouthOffset + zone} }
