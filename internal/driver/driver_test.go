package driver

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/averos/backstop/internal/models"
)

// fakeRunner scripts the store-tooling side of a driver.
type fakeRunner struct {
	runErr     error
	runOutput  []byte           // written to the command's stdout
	files      map[string][]byte // path -> content served by FetchFile
	aliveErr   error
	ranCmds    [][]string
	pushedDirs []string
}

func (r *fakeRunner) Run(_ context.Context, _ models.Target, cmd []string, _ []string, _ io.Reader, stdout io.Writer) error {
	r.ranCmds = append(r.ranCmds, cmd)
	if r.runErr != nil {
		return r.runErr
	}
	if len(r.runOutput) > 0 {
		stdout.Write(r.runOutput)
	}
	return nil
}

func (r *fakeRunner) FetchFile(_ context.Context, _ models.Target, path string, w io.Writer) (int64, error) {
	content, ok := r.files[path]
	if !ok {
		return 0, errors.New("no such file: " + path)
	}
	n, err := w.Write(content)
	return int64(n), err
}

func (r *fakeRunner) FetchArchive(_ context.Context, _ models.Target, path string, w io.Writer) (int64, error) {
	return r.FetchFile(nil, models.Target{}, path, w)
}

func (r *fakeRunner) PushArchive(_ context.Context, _ models.Target, destDir string, content io.Reader) error {
	io.Copy(io.Discard, content)
	r.pushedDirs = append(r.pushedDirs, destDir)
	return nil
}

func (r *fakeRunner) Alive(_ context.Context, _ models.Target) error { return r.aliveErr }

func pgTarget() models.Target {
	return models.Target{
		ID:   "orders-db",
		Kind: models.StoreRelational,
		Conn: models.ConnParams{Host: "localhost", Port: 5432, User: "app", Password: "secret", Database: "orders"},
	}
}

func TestArtifactName(t *testing.T) {
	at := time.Date(2025, 6, 3, 4, 0, 9, 0, time.UTC)
	assert.Equal(t, "orders-db_backup_20250603040009.sql.gz", ArtifactName("orders-db", at, "sql.gz"))

	// Timestamps are always rendered in UTC.
	est := time.FixedZone("EST", -5*3600)
	assert.Equal(t, "orders-db_backup_20250603040009.sql.gz", ArtifactName("orders-db", at.In(est), "sql.gz"))
}

func TestProducePublishesAtomically(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{runOutput: []byte("-- PostgreSQL database dump\nCREATE TABLE orders;\n")}
	d := NewRelationalDriver(runner)

	startedAt := time.Date(2025, 6, 3, 4, 0, 0, 0, time.UTC)
	uri, size, err := Produce(context.Background(), d, pgTarget(), dir, startedAt)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "orders-db_backup_20250603040000.sql.gz"), uri)
	assert.Greater(t, size, int64(0))

	// Only the published artifact remains, no temp residue.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "orders-db_backup_20250603040000.sql.gz", entries[0].Name())

	// The dump decompresses back to what pg_dump emitted.
	f, err := os.Open(uri)
	require.NoError(t, err)
	defer f.Close()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	plain, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Contains(t, string(plain), "CREATE TABLE orders;")
}

func TestProduceFailsOnDumpError(t *testing.T) {
	dir := t.TempDir()
	runner := &fakeRunner{runErr: errors.New("pg_dump exited with 1: connection refused")}
	d := NewRelationalDriver(runner)

	_, _, err := Produce(context.Background(), d, pgTarget(), dir, time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrBackupFailed)

	entries, readErr := os.ReadDir(dir)
	require.NoError(t, readErr)
	assert.Empty(t, entries, "nothing is published on failure")
}

func TestProduceRejectsEmptyArtifact(t *testing.T) {
	dir := t.TempDir()
	d := &emptyDumpDriver{}

	_, _, err := Produce(context.Background(), d, pgTarget(), dir, time.Now())
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrBackupFailed)

	entries, readErr := os.ReadDir(dir)
	require.NoError(t, readErr)
	assert.Empty(t, entries)
}

type emptyDumpDriver struct{}

func (d *emptyDumpDriver) Kind() models.StoreKind { return models.StoreRelational }
func (d *emptyDumpDriver) Ext() string            { return "sql.gz" }
func (d *emptyDumpDriver) Dump(_ context.Context, _ models.Target, destPath string) error {
	return os.WriteFile(destPath, nil, 0o644)
}
func (d *emptyDumpDriver) Restore(context.Context, models.Target, string) error { return nil }

func TestCacheDumpFetchesSnapshot(t *testing.T) {
	runner := &fakeRunner{files: map[string][]byte{"/data/dump.rdb": []byte("REDIS0011payload")}}
	d := NewCacheDriver(runner)
	target := models.Target{ID: "quote-cache", Kind: models.StoreCache, Conn: models.ConnParams{Host: "localhost", Port: 6379}}

	dest := filepath.Join(t.TempDir(), "out.rdb")
	require.NoError(t, d.Dump(context.Background(), target, dest))

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "REDIS0011payload", string(content))

	require.NotEmpty(t, runner.ranCmds)
	assert.Equal(t, []string{"redis-cli", "-h", "localhost", "-p", "6379", "SAVE"}, runner.ranCmds[0])
}

func TestCacheDumpUnreachableStore(t *testing.T) {
	runner := &fakeRunner{aliveErr: models.WrapFailure(models.ErrConnection, "dial tcp: connection refused")}
	d := NewCacheDriver(runner)
	target := models.Target{ID: "quote-cache", Kind: models.StoreCache, Conn: models.ConnParams{Host: "localhost", Port: 6379}}

	err := d.Dump(context.Background(), target, filepath.Join(t.TempDir(), "out.rdb"))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConnection)
	assert.Empty(t, runner.ranCmds, "no tooling runs against an unreachable store")
}

// fakeJetStream scripts the broker side of the event-bus driver.
type fakeJetStream struct {
	streams       []*nats.StreamInfo
	consumers     map[string][]*nats.ConsumerInfo
	addedStreams  []*nats.StreamConfig
	addedConsumer map[string][]*nats.ConsumerConfig
}

func (f *fakeJetStream) StreamsInfo(...nats.JSOpt) <-chan *nats.StreamInfo {
	ch := make(chan *nats.StreamInfo, len(f.streams))
	for _, s := range f.streams {
		ch <- s
	}
	close(ch)
	return ch
}

func (f *fakeJetStream) ConsumersInfo(stream string, _ ...nats.JSOpt) <-chan *nats.ConsumerInfo {
	infos := f.consumers[stream]
	ch := make(chan *nats.ConsumerInfo, len(infos))
	for _, c := range infos {
		ch <- c
	}
	close(ch)
	return ch
}

func (f *fakeJetStream) AddStream(cfg *nats.StreamConfig, _ ...nats.JSOpt) (*nats.StreamInfo, error) {
	f.addedStreams = append(f.addedStreams, cfg)
	return &nats.StreamInfo{Config: *cfg}, nil
}

func (f *fakeJetStream) AddConsumer(stream string, cfg *nats.ConsumerConfig, _ ...nats.JSOpt) (*nats.ConsumerInfo, error) {
	if f.addedConsumer == nil {
		f.addedConsumer = make(map[string][]*nats.ConsumerConfig)
	}
	f.addedConsumer[stream] = append(f.addedConsumer[stream], cfg)
	return &nats.ConsumerInfo{Name: cfg.Durable}, nil
}

func TestEventBusTopologyRoundTrip(t *testing.T) {
	source := &fakeJetStream{
		streams: []*nats.StreamInfo{
			{Config: nats.StreamConfig{Name: "ORDERS", Subjects: []string{"orders.>"}}},
		},
		consumers: map[string][]*nats.ConsumerInfo{
			"ORDERS": {
				{Name: "billing", Config: nats.ConsumerConfig{FilterSubject: "orders.paid", DeliverGroup: "billing-workers"}},
			},
		},
	}
	d := NewEventBusDriver()
	d.connect = func(string) (jetStream, func(), error) { return source, func() {}, nil }
	target := models.Target{ID: "bus", Kind: models.StoreEventBus, Conn: models.ConnParams{URL: "nats://localhost:4222"}}

	dest := filepath.Join(t.TempDir(), "topology.json")
	require.NoError(t, d.Dump(context.Background(), target, dest))

	// Restore onto an empty broker re-creates the topology.
	dst := &fakeJetStream{}
	d.connect = func(string) (jetStream, func(), error) { return dst, func() {}, nil }
	require.NoError(t, d.Restore(context.Background(), target, dest))

	require.Len(t, dst.addedStreams, 1)
	assert.Equal(t, "ORDERS", dst.addedStreams[0].Name)
	assert.Equal(t, []string{"orders.>"}, dst.addedStreams[0].Subjects)
	require.Len(t, dst.addedConsumer["ORDERS"], 1)
	assert.Equal(t, "billing", dst.addedConsumer["ORDERS"][0].Durable)
	assert.Equal(t, "orders.paid", dst.addedConsumer["ORDERS"][0].FilterSubject)
}

func TestEventBusConnectionFailure(t *testing.T) {
	d := NewEventBusDriver()
	d.connect = func(string) (jetStream, func(), error) { return nil, nil, errors.New("no servers available") }
	target := models.Target{ID: "bus", Kind: models.StoreEventBus, Conn: models.ConnParams{URL: "nats://localhost:4222"}}

	err := d.Dump(context.Background(), target, filepath.Join(t.TempDir(), "topology.json"))
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrConnection)
}
