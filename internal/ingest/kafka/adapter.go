package kafka

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"boardsync/internal/domain"

	"github.com/twmb/franz-go/pkg/kgo"
)

const (
	ParseModeJSON     = "json_envelope"
	ParseModeProtobuf = "protobuf_envelope"
	ParseModeCustom   = "custom_mapper"
)

// Publisher is the board surface records land on. Redelivered records are
// absorbed there, so the adapter commits offsets on any nil error.
type Publisher interface {
	Publish(context.Context, domain.Event) (uint64, error)
}

type Mapper interface {
	MapKafkaRecord(*kgo.Record) (domain.Event, error)
}

type Config struct {
	Enabled        bool
	Brokers        []string
	Topics         []string
	GroupID        string
	ClientID       string
	WorkerCount    int
	MaxPollRecords int
	QueueCapacity  int
	ParseMode      string
	Auth           AuthConfig
	Fetch          FetchConfig

	CustomMapper      Mapper
	ProtobufUnmarshal func([]byte) (domain.Event, error)
}

type AuthConfig struct {
	SASL SASLConfig
	TLS  TLSConfig
}

type SASLConfig struct {
	Enabled   bool
	Mechanism string
	Username  string
	Password  string
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
}

type FetchConfig struct {
	MinBytes int32
	MaxBytes int32
	MaxWait  time.Duration
}

type jsonEnvelope struct {
	ClientID  string          `json:"client_id"`
	Sequence  uint64          `json:"sequence"`
	Timestamp int64           `json:"timestamp"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

type Adapter struct {
	cfg Config

	client  *kgo.Client
	records chan *kgo.Record
	acks    chan recordAck
	closed  atomic.Bool

	pauseMux sync.Mutex
	paused   bool

	publisher    Publisher
	markCommit   func(*kgo.Record)
	commitMarked func(context.Context) error
	pauseFetch   func(...string)
	resumeFetch  func(...string)
}

type recordAck struct {
	record *kgo.Record
	err    error
}

func NewAdapter(cfg Config, publisher Publisher, opts ...kgo.Opt) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.FetchMaxWait(cfg.Fetch.MaxWait),
		kgo.FetchMinBytes(cfg.Fetch.MinBytes),
		kgo.FetchMaxBytes(cfg.Fetch.MaxBytes),
	}
	if cfg.ClientID != "" {
		kopts = append(kopts, kgo.ClientID(cfg.ClientID))
	}
	if cfg.Auth.TLS.Enabled {
		kopts = append(kopts, kgo.DialTLSConfig(&tls.Config{InsecureSkipVerify: cfg.Auth.TLS.InsecureSkipVerify}))
	}
	kopts = append(kopts, opts...)

	cl, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("new kafka client: %w", err)
	}

	a := &Adapter{
		cfg:       cfg,
		client:    cl,
		publisher: publisher,
		records:   make(chan *kgo.Record, cfg.QueueCapacity),
		acks:      make(chan recordAck, cfg.QueueCapacity),
	}
	a.markCommit = func(r *kgo.Record) { cl.MarkCommitRecords(r) }
	a.commitMarked = func(ctx context.Context) error { return cl.CommitMarkedOffsets(ctx) }
	a.pauseFetch = func(topics ...string) { _ = cl.PauseFetchTopics(topics...) }
	a.resumeFetch = func(topics ...string) { cl.ResumeFetchTopics(topics...) }
	return a, nil
}

func (c *Config) withDefaults() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 4
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = 1024
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = 500
	}
	if c.ParseMode == "" {
		c.ParseMode = ParseModeJSON
	}
	if c.Fetch.MaxWait <= 0 {
		c.Fetch.MaxWait = time.Second
	}
	if c.Fetch.MinBytes <= 0 {
		c.Fetch.MinBytes = 1
	}
	if c.Fetch.MaxBytes <= 0 {
		c.Fetch.MaxBytes = 50 << 20
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if len(c.Topics) == 0 {
		return errors.New("kafka.topics is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka.group_id is required")
	}
	return nil
}

func (a *Adapter) Start(ctx context.Context) error {
	defer a.client.Close()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.handleAcks(ctx)
	}()

	for i := 0; i < a.cfg.WorkerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.runWorker(ctx)
		}()
	}

	for {
		if ctx.Err() != nil || a.closed.Load() {
			close(a.records)
			wg.Wait()
			return ctx.Err()
		}
		fetches := a.client.PollRecords(ctx, a.cfg.MaxPollRecords)
		if errs := fetches.Errors(); len(errs) > 0 {
			return errs[0].Err
		}
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			for _, rec := range p.Records {
				for {
					select {
					case a.records <- rec:
						a.maybeResume()
						goto next
					default:
						a.maybePause()
						time.Sleep(5 * time.Millisecond)
					}
				}
			next:
			}
		})
		a.client.AllowRebalance()
	}
}

func (a *Adapter) runWorker(ctx context.Context) {
	for rec := range a.records {
		ev, err := a.normalizeRecord(rec)
		if err != nil {
			a.acks <- recordAck{record: rec, err: err}
			continue
		}
		_, err = a.publisher.Publish(ctx, ev)
		a.acks <- recordAck{record: rec, err: err}
	}
}

// handleAcks commits offsets for records the board accepted. Malformed
// records are committed too; redelivering them cannot make them parse.
func (a *Adapter) handleAcks(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ack := <-a.acks:
			if ack.record == nil {
				continue
			}
			if ack.err != nil && !isUnrecoverable(ack.err) {
				continue
			}
			a.markCommit(ack.record)
			_ = a.commitMarked(ctx)
		}
	}
}

func isUnrecoverable(err error) bool {
	var pe *parseError
	return errors.As(err, &pe)
}

type parseError struct{ err error }

func (p *parseError) Error() string { return p.err.Error() }
func (p *parseError) Unwrap() error { return p.err }

func (a *Adapter) normalizeRecord(rec *kgo.Record) (domain.Event, error) {
	var ev domain.Event
	switch a.cfg.ParseMode {
	case ParseModeJSON:
		decoded, err := parseJSONEnvelope(rec.Value)
		if err != nil {
			return ev, &parseError{err}
		}
		ev = decoded
	case ParseModeProtobuf:
		if a.cfg.ProtobufUnmarshal == nil {
			return ev, errors.New("protobuf parser not configured")
		}
		decoded, err := a.cfg.ProtobufUnmarshal(rec.Value)
		if err != nil {
			return ev, &parseError{err}
		}
		ev = decoded
	case ParseModeCustom:
		if a.cfg.CustomMapper == nil {
			return ev, errors.New("custom mapper not configured")
		}
		decoded, err := a.cfg.CustomMapper.MapKafkaRecord(rec)
		if err != nil {
			return ev, &parseError{err}
		}
		ev = decoded
	default:
		return ev, fmt.Errorf("unsupported parse mode %q", a.cfg.ParseMode)
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().UTC().UnixMilli()
	}
	if err := validateEvent(ev); err != nil {
		return ev, &parseError{err}
	}
	return ev, nil
}

func parseJSONEnvelope(payload []byte) (domain.Event, error) {
	var in jsonEnvelope
	if err := json.Unmarshal(payload, &in); err != nil {
		return domain.Event{}, fmt.Errorf("parse json envelope: %w", err)
	}
	return domain.Event{
		Sequence:  in.Sequence,
		Timestamp: in.Timestamp,
		ClientID:  in.ClientID,
		Kind:      in.Kind,
		Payload:   append([]byte(nil), in.Payload...),
	}, nil
}

func validateEvent(ev domain.Event) error {
	if strings.TrimSpace(ev.ClientID) == "" {
		return errors.New("client_id is required")
	}
	if ev.Sequence == 0 {
		return errors.New("sequence must be positive")
	}
	if strings.TrimSpace(ev.Kind) == "" {
		return errors.New("kind is required")
	}
	return nil
}

func (a *Adapter) maybePause() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if a.paused {
		return
	}
	if len(a.records) < cap(a.records) {
		return
	}
	a.pauseFetch(a.cfg.Topics...)
	a.paused = true
}

func (a *Adapter) maybeResume() {
	a.pauseMux.Lock()
	defer a.pauseMux.Unlock()
	if !a.paused {
		return
	}
	if len(a.records) > cap(a.records)/2 {
		return
	}
	a.resumeFetch(a.cfg.Topics...)
	a.paused = false
}
