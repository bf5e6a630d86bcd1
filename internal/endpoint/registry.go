package endpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/rtpscore/internal/history"
	"github.com/danmuck/rtpscore/internal/observability"
	"github.com/danmuck/rtpscore/internal/protocol"
	"github.com/danmuck/rtpscore/internal/protocol/cdr"
	"github.com/danmuck/rtpscore/internal/protocol/session"
	"github.com/rs/zerolog"
)

// Index is a slot in the registry's endpoint table.
type Index int

const NoIndex Index = -1

// Options configure a Registry. Zero values select defaults.
type Options struct {
	Prefix     protocol.GuidPrefix
	Vendor     protocol.VendorID
	Sender     Sender
	Scheduler  session.Scheduler
	Pool       *history.PayloadPool
	Timing     session.Config
	Endianness cdr.Endianness
	// MaxMessageSize bounds outgoing datagrams.
	MaxMessageSize int
	Logger         *zerolog.Logger
}

// env is shared by every endpoint of a registry.
type env struct {
	prefix  protocol.GuidPrefix
	vendor  protocol.VendorID
	sender  Sender
	sched   session.Scheduler
	pool    *history.PayloadPool
	timing  session.Config
	endian  cdr.Endianness
	maxSize int
	ctx     context.Context
	log     zerolog.Logger

	// endpointAt resolves a table slot for timer callbacks.
	endpointAt func(Index) any
}

func (e *env) readerAt(idx Index) (*Reader, bool) {
	rd, ok := e.endpointAt(idx).(*Reader)
	return rd, ok
}

func (e *env) writerAt(idx Index) (*Writer, bool) {
	w, ok := e.endpointAt(idx).(*Writer)
	return w, ok
}

func (e *env) send(payload []byte, to []protocol.Locator, kinds ...string) {
	if len(to) == 0 || e.sender == nil {
		return
	}
	if err := e.sender.Send(e.ctx, payload, to); err != nil {
		e.log.Warn().Err(err).Int("bytes", len(payload)).Msg("endpoint send failed")
		return
	}
	for _, k := range kinds {
		observability.RecordSubmessageSent(k)
	}
}

// Registry owns the endpoint table of one participant.
type Registry struct {
	mu      sync.RWMutex
	env     *env
	cancel  context.CancelFunc
	table   []any
	byGUID  map[protocol.GUID]Index
	readers []*Reader
}

func NewRegistry(opts Options) *Registry {
	if opts.Prefix.IsUnknown() {
		opts.Prefix = protocol.NewGuidPrefix(opts.Vendor)
	}
	if opts.Scheduler == nil {
		opts.Scheduler = session.NewTimerScheduler()
	}
	if opts.Pool == nil {
		opts.Pool = history.NewPayloadPool(0)
	}
	if opts.Timing == (session.Config{}) {
		opts.Timing = session.DefaultConfig()
	}
	logger := observability.Component("endpoint")
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	ctx, cancel := context.WithCancel(context.Background())
	reg := &Registry{
		env: &env{
			prefix:  opts.Prefix,
			vendor:  opts.Vendor,
			sender:  opts.Sender,
			sched:   opts.Scheduler,
			pool:    opts.Pool,
			timing:  opts.Timing,
			endian:  opts.Endianness,
			maxSize: opts.MaxMessageSize,
			ctx:     ctx,
			log:     logger,
		},
		cancel: cancel,
		byGUID: make(map[protocol.GUID]Index),
	}
	reg.env.endpointAt = reg.endpoint
	return reg
}

// Prefix is the local participant's GUID prefix.
func (r *Registry) Prefix() protocol.GuidPrefix {
	return r.env.prefix
}

func (r *Registry) Pool() *history.PayloadPool {
	return r.env.pool
}

func (r *Registry) Timing() session.Config {
	return r.env.timing
}

func (r *Registry) guid(id protocol.EntityID) protocol.GUID {
	return protocol.GUID{Prefix: r.env.prefix, Entity: id}
}

func (r *Registry) insert(guid protocol.GUID, ep any) (Index, error) {
	if _, ok := r.byGUID[guid]; ok {
		return NoIndex, fmt.Errorf("%w: %s", ErrEndpointExists, guid)
	}
	idx := Index(len(r.table))
	r.table = append(r.table, ep)
	r.byGUID[guid] = idx
	return idx, nil
}

// AddReader creates a local reader. listener may be nil.
func (r *Registry) AddReader(attr Attributes, listener Listener) (*Reader, error) {
	if err := ValidateAttributes(attr, false); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	guid := r.guid(attr.EntityID)
	rd := newReader(r.env, guid, attr, listener)
	idx, err := r.insert(guid, rd)
	if err != nil {
		return nil, err
	}
	rd.index = idx
	r.readers = append(r.readers, rd)
	return rd, nil
}

// AddWriter creates a local writer.
func (r *Registry) AddWriter(attr Attributes) (*Writer, error) {
	if err := ValidateAttributes(attr, true); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	guid := r.guid(attr.EntityID)
	w := newWriter(r.env, guid, attr)
	idx, err := r.insert(guid, w)
	if err != nil {
		return nil, err
	}
	w.index = idx
	return w, nil
}

func (r *Registry) endpoint(idx Index) any {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if idx < 0 || int(idx) >= len(r.table) {
		return nil
	}
	return r.table[idx]
}

// Reader returns the reader at idx.
func (r *Registry) Reader(idx Index) (*Reader, bool) {
	rd, ok := r.endpoint(idx).(*Reader)
	return rd, ok
}

// WriterAt returns the writer at idx.
func (r *Registry) WriterAt(idx Index) (*Writer, bool) {
	w, ok := r.endpoint(idx).(*Writer)
	return w, ok
}

// Writer looks a local writer up by GUID.
func (r *Registry) Writer(guid protocol.GUID) (*Writer, bool) {
	r.mu.RLock()
	idx, ok := r.byGUID[guid]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return r.WriterAt(idx)
}

// ReadersFor returns the readers accepting messages addressed to id.
// EntityIDUnknown matches every reader.
func (r *Registry) ReadersFor(id protocol.EntityID) []*Reader {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Reader, 0, len(r.readers))
	for _, rd := range r.readers {
		if rd.AcceptsMessagesTo(id) {
			out = append(out, rd)
		}
	}
	return out
}

// Info is the admin view of one endpoint.
type Info struct {
	Index       Index    `json:"index"`
	GUID        string   `json:"guid"`
	Name        string   `json:"name"`
	Kind        string   `json:"kind"`
	Topic       string   `json:"topic"`
	Reliability string   `json:"reliability"`
	History     int      `json:"history"`
	Matched     []string `json:"matched"`
	// LastSequenceNumber is set for writers only.
	LastSequenceNumber int64 `json:"last_sequence_number,omitempty"`
}

// Snapshot lists every endpoint ordered by index.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	table := append([]any(nil), r.table...)
	r.mu.RUnlock()
	out := make([]Info, 0, len(table))
	for _, ep := range table {
		switch e := ep.(type) {
		case *Reader:
			out = append(out, e.info())
		case *Writer:
			out = append(out, e.info())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Index < out[j].Index
	})
	return out
}

// Close stops every timer and cancels in-flight sends.
func (r *Registry) Close() {
	r.env.sched.Stop()
	r.cancel()
}
