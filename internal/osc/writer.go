package osc

import (
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/paulmach/osm"

	"github.com/wegman-software/osmstore-go/internal/changeset"
)

// Generator is written into the osmChange root element.
const Generator = "osmstore-go"

func appendObject(o *osm.OSM, obj osm.Object) {
	switch v := obj.(type) {
	case *osm.Node:
		o.Nodes = append(o.Nodes, v)
	case *osm.Way:
		o.Ways = append(o.Ways, v)
	case *osm.Relation:
		o.Relations = append(o.Relations, v)
	}
}

// Build groups changes into an osm.Change document.
func Build(changes []changeset.Change) *osm.Change {
	doc := &osm.Change{Version: "0.6", Generator: Generator}
	for _, c := range changes {
		var target **osm.OSM
		switch c.ChangeType {
		case changeset.Create:
			target = &doc.Create
		case changeset.Modify:
			target = &doc.Modify
		case changeset.Delete:
			target = &doc.Delete
		default:
			continue
		}
		if *target == nil {
			*target = &osm.OSM{}
		}
		appendObject(*target, c.Entity)
	}
	return doc
}

// Write encodes changes as an osmChange XML document.
func Write(w io.Writer, changes []changeset.Change) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(Build(changes)); err != nil {
		return fmt.Errorf("encoding osmChange: %w", err)
	}
	return enc.Flush()
}

// WriteFile writes changes to filename, gzip-compressed for a .gz suffix.
func WriteFile(filename string, changes []changeset.Change) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create OSC file: %w", err)
	}
	defer f.Close()

	if !strings.HasSuffix(filename, ".gz") {
		if err := Write(f, changes); err != nil {
			return err
		}
		return f.Close()
	}
	gz := gzip.NewWriter(f)
	if err := Write(gz, changes); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return f.Close()
}
