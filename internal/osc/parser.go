// Package osc reads and writes osmChange files against a changeset.
package osc

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/paulmach/osm"
	"go.uber.org/zap"

	"github.com/wegman-software/osmstore-go/internal/changeset"
	"github.com/wegman-software/osmstore-go/internal/logger"
	"github.com/wegman-software/osmstore-go/internal/osmerr"
)

// Parser parses OSC (OSM Change) files
type Parser struct {
	stats Stats
}

// NewParser creates a new OSC parser
func NewParser() *Parser {
	return &Parser{}
}

// Stats returns parsing statistics
func (p *Parser) Stats() Stats {
	return p.stats
}

// ParseFile parses an OSC file and streams changes to a channel.
// Supports both plain XML and gzip-compressed files
func (p *Parser) ParseFile(ctx context.Context, filename string) (<-chan changeset.Change, <-chan error) {
	changes := make(chan changeset.Change, 1000)
	errChan := make(chan error, 1)

	go func() {
		defer close(changes)
		defer close(errChan)

		r, closeFn, err := openFile(filename)
		if err != nil {
			errChan <- err
			return
		}
		defer closeFn()

		if err := p.parse(ctx, r, changes); err != nil {
			errChan <- err
		}
	}()

	return changes, errChan
}

func openFile(filename string) (io.Reader, func(), error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open OSC file: %w", err)
	}
	if !strings.HasSuffix(filename, ".gz") {
		return f, func() { f.Close() }, nil
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	return gz, func() { gz.Close(); f.Close() }, nil
}

// ParseReader parses OSC data from a reader
func (p *Parser) ParseReader(ctx context.Context, reader io.Reader) (<-chan changeset.Change, <-chan error) {
	changes := make(chan changeset.Change, 1000)
	errChan := make(chan error, 1)

	go func() {
		defer close(changes)
		defer close(errChan)

		if err := p.parse(ctx, reader, changes); err != nil {
			errChan <- err
		}
	}()

	return changes, errChan
}

// parse walks the document and decodes every entity element with the
// osm package's XML mapping, tagging it with the enclosing action.
func (p *Parser) parse(ctx context.Context, reader io.Reader, changes chan<- changeset.Change) error {
	decoder := xml.NewDecoder(reader)
	var action changeset.ChangeType

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		token, err := decoder.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("XML parse error: %w", err)
		}

		se, ok := token.(xml.StartElement)
		if !ok {
			continue
		}

		var obj osm.Object
		switch se.Name.Local {
		case "create", "modify", "delete":
			action = changeset.ChangeType(se.Name.Local)
			continue
		case "node":
			n := &osm.Node{}
			err = decoder.DecodeElement(n, &se)
			obj = n
		case "way":
			w := &osm.Way{}
			err = decoder.DecodeElement(w, &se)
			obj = w
		case "relation":
			r := &osm.Relation{}
			err = decoder.DecodeElement(r, &se)
			obj = r
		default:
			continue
		}
		if err != nil {
			return fmt.Errorf("decoding %s: %w", se.Name.Local, err)
		}
		if action == "" {
			return fmt.Errorf("%s %s outside create/modify/delete", se.Name.Local, attr(se, "id"))
		}

		select {
		case changes <- changeset.Change{ChangeType: action, Entity: obj}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func attr(se xml.StartElement, name string) string {
	for _, a := range se.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// ImportOptions controls how parsed changes are added to a changeset.
type ImportOptions struct {
	// SkipMissingDeletes ignores deletes of entities the changeset does not
	// know instead of failing.
	SkipMissingDeletes bool
}

// Import adds every change of an osmChange stream to cs.
func Import(ctx context.Context, cs *changeset.Changeset, r io.Reader, opts ImportOptions) (Stats, error) {
	p := NewParser()
	changes, errChan := p.ParseReader(ctx, r)
	return p.drain(cs, changes, errChan, opts)
}

// ImportFile adds every change of an osmChange file to cs.
func ImportFile(ctx context.Context, cs *changeset.Changeset, filename string, opts ImportOptions) (Stats, error) {
	p := NewParser()
	changes, errChan := p.ParseFile(ctx, filename)
	return p.drain(cs, changes, errChan, opts)
}

func (p *Parser) drain(cs *changeset.Changeset, changes <-chan changeset.Change, errChan <-chan error, opts ImportOptions) (Stats, error) {
	log := logger.Named("osc")
	var addErr error
	for c := range changes {
		if addErr != nil {
			continue
		}
		err := cs.Add(c)
		if err != nil && opts.SkipMissingDeletes && c.ChangeType == changeset.Delete && errors.Is(err, osmerr.ErrNotFound) {
			p.stats.Skipped++
			continue
		}
		if err != nil {
			addErr = err
			continue
		}
		p.stats.count(c.ChangeType, c.Entity.ObjectID().Type())
	}
	if err := <-errChan; err != nil {
		return p.stats, err
	}
	if addErr != nil {
		return p.stats, addErr
	}
	log.Info("osmChange imported",
		zap.String("store", cs.BaseID()),
		zap.Int64("changes", p.stats.Total()),
		zap.Int64("skipped", p.stats.Skipped))
	return p.stats, nil
}
