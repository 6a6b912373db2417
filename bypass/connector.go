package bypass

import (
	"context"
	"fmt"
	"strings"

	"github.com/grailbio/hdfbypass/errors"
)

// ConnectorID and ConnectorName are this connector's registration
// identity with the host library.
const (
	ConnectorID   = 518
	ConnectorName = "bypass"
)

// Config is a parsed connector configuration string of the form
// "under_vol=<name>;under_info={<blob>}".
type Config struct {
	UnderVOL  string
	UnderInfo string
}

// ParseConfig parses a connector configuration string. The under_info
// value is opaque to this package; it is handed to the underlying
// connector's own configuration parser unexamined.
func ParseConfig(s string) (Config, error) {
	var cfg Config
	for _, field := range strings.Split(s, ";") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		k, v, ok := strings.Cut(field, "=")
		if !ok {
			return Config{}, errors.E(errors.Config, "malformed configuration field "+field)
		}
		switch k {
		case "under_vol":
			cfg.UnderVOL = v
		case "under_info":
			cfg.UnderInfo = strings.TrimSuffix(strings.TrimPrefix(v, "{"), "}")
		default:
			return Config{}, errors.E(errors.Config, "unknown configuration field "+k)
		}
	}
	if cfg.UnderVOL == "" {
		return Config{}, errors.E(errors.Config, "configuration missing under_vol")
	}
	return cfg, nil
}

func (c Config) String() string {
	return fmt.Sprintf("under_vol=%s;under_info={%s}", c.UnderVOL, c.UnderInfo)
}

// ObjectHandle wraps a handle returned by the underlying Engine with
// whatever shadow this package attaches to it: a *FileHandle for a file
// object, a *DatasetShadow for a dataset, or nil for anything else
// (groups, attributes, and the rest pass through with no shadow attached).
type ObjectHandle struct {
	Underlying interface{}
	File       *FileHandle
	Dataset    *DatasetShadow
}

// Connector is the inbound contract this package implements for the host
// library: forward every callback to Engine unchanged, except dataset-read
// (run through ReadDispatcher) and file/group/dataset create-or-open
// (attach a shadow to the returned handle).
//
// Every callback group except Dataset forwards unchanged; those methods
// are intentionally thin pass-throughs and are grouped at the bottom of
// this file to keep the dataset-read and lifecycle paths legible.
type Connector struct {
	Engine     Engine
	State      *GlobalState
	Dispatcher *ReadDispatcher
	Config     Config
}

// NewConnector creates a Connector wired to an already-open underlying
// Engine and a process-wide GlobalState, parsing cfg for the underlying
// connector's name.
func NewConnector(cfgString string, engine Engine, state *GlobalState) (*Connector, error) {
	cfg, err := ParseConfig(cfgString)
	if err != nil {
		return nil, err
	}
	return &Connector{
		Engine:     engine,
		State:      state,
		Dispatcher: NewReadDispatcher(state, engine),
		Config:     cfg,
	}, nil
}

// FileCreateOrOpen attaches a FileHandle shadow to underlying, the handle
// the underlying engine already returned, opening the local path for
// positional reads. It makes no Engine call itself.
func (c *Connector) FileCreateOrOpen(ctx context.Context, path string, underlying interface{}) (*ObjectHandle, error) {
	fh, err := c.State.NewFileHandle(path)
	if err != nil {
		return nil, err
	}
	return &ObjectHandle{Underlying: underlying, File: fh}, nil
}

// FileClose releases the handle's FileHandle shadow, which may block
// until in-flight reads against it finish, then forwards to Engine.
func (c *Connector) FileClose(ctx context.Context, h *ObjectHandle, underlyingClose func() error) error {
	if h.File != nil {
		if err := h.File.Release(ctx); err != nil {
			return err
		}
	}
	return underlyingClose()
}

// DatasetCreateOrOpen attaches a DatasetShadow, bound to the dataset's
// owning file's FileHandle, to underlying, the handle the underlying engine
// already returned. It makes no Engine call itself.
func (c *Connector) DatasetCreateOrOpen(ctx context.Context, handle DatasetHandle, name string, file *ObjectHandle, underlying interface{}) (*ObjectHandle, error) {
	if file == nil || file.File == nil {
		return nil, errors.E(errors.Lifecycle, "dataset create/open without an owning file handle")
	}
	shadow := c.State.NewDatasetShadow(c.Engine, handle, file.File, name)
	return &ObjectHandle{Underlying: underlying, File: file.File, Dataset: shadow}, nil
}

// DatasetClose releases the dataset's shadow (and its reference on the
// owning FileHandle).
func (c *Connector) DatasetClose(ctx context.Context, h *ObjectHandle, underlyingClose func() error) error {
	if h.Dataset != nil {
		if err := h.Dataset.Close(ctx); err != nil {
			return err
		}
	}
	return underlyingClose()
}

// DatasetSetExtent invalidates the shadow's cached file-space before
// forwarding, matching the "space invalidated on set-extent" invariant.
func (c *Connector) DatasetSetExtent(ctx context.Context, h *ObjectHandle, dims []int64, underlyingSetExtent func([]int64) error) error {
	if h.Dataset != nil {
		h.Dataset.InvalidateSpace()
	}
	return underlyingSetExtent(dims)
}

// DatasetRead runs the fall-back decision and, for bypassable tuples,
// the selection-decomposition and task-dispatch pipeline; non-bypassable
// tuples are forwarded to fallback unchanged.
func (c *Connector) DatasetRead(ctx context.Context, tuples []ReadTuple, fallback Fallback) error {
	return c.Dispatcher.Read(ctx, tuples, fallback)
}

// DatasetWrite is out of scope for acceleration; forward unconditionally.
func (c *Connector) DatasetWrite(ctx context.Context, write func() error) error {
	return write()
}

// GroupCreateOrOpen forwards unchanged; this package attaches no shadow
// to groups, only to files and datasets.
func (c *Connector) GroupCreateOrOpen(ctx context.Context, underlying func() (interface{}, error)) (*ObjectHandle, error) {
	u, err := underlying()
	if err != nil {
		return nil, err
	}
	return &ObjectHandle{Underlying: u}, nil
}

// Forward runs any other callback (attribute, datatype, link, object,
// introspect, async, blob, token, or the generic optional group) against
// the underlying engine with no interception whatsoever.
func (c *Connector) Forward(call func() (interface{}, error)) (interface{}, error) {
	return call()
}
