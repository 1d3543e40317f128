package wkb

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// WKB type codes (ISO SQL/MM)
const (
	wkbPoint              = 1
	wkbLineString         = 2
	wkbPolygon            = 3
	wkbMultiPoint         = 4
	wkbMultiLineString    = 5
	wkbMultiPolygon       = 6
	wkbGeometryCollection = 7

	// SRID flag for EWKB (PostGIS extended WKB)
	wkbSRIDFlag = 0x20000000
)

// SRID4326 is WGS84, the only reference system entity stores use.
const SRID4326 = 4326

// Encoder encodes orb geometries to little-endian EWKB. The top-level
// geometry carries the SRID; nested geometries do not.
type Encoder struct {
	buf  []byte
	srid uint32
}

// NewEncoder creates a new WKB encoder with pre-allocated buffer and default SRID 4326
func NewEncoder(initialSize int) *Encoder {
	return &Encoder{
		buf:  make([]byte, 0, initialSize),
		srid: SRID4326,
	}
}

// SetSRID changes the SRID written into top-level geometries.
func (e *Encoder) SetSRID(srid int) {
	e.srid = uint32(srid)
}

// Encode returns the EWKB of g. The returned slice is reused by the next
// call; copy it to keep it.
func (e *Encoder) Encode(g orb.Geometry) ([]byte, error) {
	e.buf = e.buf[:0]
	if err := e.geometry(g, true); err != nil {
		return nil, err
	}
	return e.buf, nil
}

func (e *Encoder) header(typ uint32, top bool) {
	e.buf = append(e.buf, 0x01)
	if top {
		e.buf = binary.LittleEndian.AppendUint32(e.buf, typ|wkbSRIDFlag)
		e.buf = binary.LittleEndian.AppendUint32(e.buf, e.srid)
		return
	}
	e.buf = binary.LittleEndian.AppendUint32(e.buf, typ)
}

func (e *Encoder) points(ps []orb.Point) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(len(ps)))
	for _, p := range ps {
		e.buf = binary.LittleEndian.AppendUint64(e.buf, math.Float64bits(p[0]))
		e.buf = binary.LittleEndian.AppendUint64(e.buf, math.Float64bits(p[1]))
	}
}

func (e *Encoder) rings(p orb.Polygon) {
	e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(len(p)))
	for _, r := range p {
		e.points(r)
	}
}

func (e *Encoder) geometry(g orb.Geometry, top bool) error {
	switch v := g.(type) {
	case orb.Point:
		e.header(wkbPoint, top)
		e.buf = binary.LittleEndian.AppendUint64(e.buf, math.Float64bits(v[0]))
		e.buf = binary.LittleEndian.AppendUint64(e.buf, math.Float64bits(v[1]))
	case orb.LineString:
		e.header(wkbLineString, top)
		e.points(v)
	case orb.Ring:
		e.header(wkbPolygon, top)
		e.rings(orb.Polygon{v})
	case orb.Polygon:
		e.header(wkbPolygon, top)
		e.rings(v)
	case orb.Bound:
		return e.geometry(v.ToPolygon(), top)
	case orb.MultiPoint:
		e.header(wkbMultiPoint, top)
		e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(len(v)))
		for _, p := range v {
			e.geometry(p, false)
		}
	case orb.MultiLineString:
		e.header(wkbMultiLineString, top)
		e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(len(v)))
		for _, l := range v {
			e.geometry(l, false)
		}
	case orb.MultiPolygon:
		e.header(wkbMultiPolygon, top)
		e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(len(v)))
		for _, p := range v {
			e.geometry(p, false)
		}
	case orb.Collection:
		e.header(wkbGeometryCollection, top)
		e.buf = binary.LittleEndian.AppendUint32(e.buf, uint32(len(v)))
		for _, c := range v {
			if err := e.geometry(c, false); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("wkb: unsupported geometry %T", g)
	}
	return nil
}
