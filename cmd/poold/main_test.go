package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcjson"

	"github.com/bardlex/kawpool/internal/config"
	"github.com/bardlex/kawpool/internal/job"
	"github.com/bardlex/kawpool/internal/manager"
	"github.com/bardlex/kawpool/internal/messaging"
	"github.com/bardlex/kawpool/internal/node"
	"github.com/bardlex/kawpool/internal/pow"
	"github.com/bardlex/kawpool/pkg/log"
)

// templateRPC serves a fixed template. Only GetBlockTemplate is called by
// the watcher.
type templateRPC struct {
	node.RPC
	tmpl *btcjson.GetBlockTemplateResult
}

func (r *templateRPC) GetBlockTemplate(context.Context) (*btcjson.GetBlockTemplateResult, error) {
	return r.tmpl, nil
}

type capturePublisher struct {
	mu     sync.Mutex
	topics []string
}

func (c *capturePublisher) Publish(_ context.Context, topic, _ string, _ []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	return nil
}

func (c *capturePublisher) count(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.topics {
		if t == topic {
			n++
		}
	}
	return n
}

type orderNotifier struct {
	manager.NopNotifier
	order *[]string
}

func (o orderNotifier) JobCreated(*job.Job) {
	*o.order = append(*o.order, "async")
}

func testConfig() *config.Config {
	return &config.Config{
		Network:                 "mainnet",
		PoolAddress:             "RHUC17zAVjNqXDtkqwLPRvQ2XgoRZsXeeG",
		PoolSignature:           "/kawpool/",
		ExtraNonceSize:          2,
		JobGracePeriod:          30 * time.Second,
		MaxRetainedJobs:         16,
		ListenAddr:              "127.0.0.1",
		ListenPort:              3333,
		MaxConnections:          100,
		ReadTimeout:             time.Minute,
		WriteTimeout:            10 * time.Second,
		MinDifficulty:           0.05,
		MaxDifficulty:           1000,
		InitialDifficulty:       0.5,
		VardiffTarget:           15 * time.Second,
		VardiffRetarget:         90 * time.Second,
		TemplatePollInterval:    time.Hour,
		TemplateRefreshInterval: 0,
		WorkerPoolSize:          2,
		EventQueueSize:          16,
	}
}

func nopHasher() pow.Hasher {
	return pow.HasherFunc(func(_, _ [32]byte, _ uint64, _ uint32) (pow.Result, error) {
		return pow.Result{}, nil
	})
}

func TestNewNotifier_BroadcastFirst(t *testing.T) {
	var order []string
	n := newNotifier(func(*job.Job) { order = append(order, "broadcast") }, orderNotifier{order: &order})

	n.JobCreated(&job.Job{})

	if len(order) != 2 || order[0] != "broadcast" || order[1] != "async" {
		t.Errorf("notify order = %v, want [broadcast async]", order)
	}
}

func TestServerConfig(t *testing.T) {
	cfg := testConfig()
	sc, err := serverConfig(cfg)
	if err != nil {
		t.Fatalf("serverConfig() error = %v", err)
	}
	if sc.Addr != "127.0.0.1:3333" {
		t.Errorf("Addr = %q, want %q", sc.Addr, "127.0.0.1:3333")
	}
	if sc.Params == nil {
		t.Error("Params not set")
	}
	if sc.Session.InitialDifficulty != 0.5 || sc.Session.Vardiff.Max != 1000 {
		t.Errorf("Session = %+v", sc.Session)
	}

	cfg.Network = "signet"
	if _, err := serverConfig(cfg); err == nil {
		t.Error("serverConfig() expected error for unknown network")
	}
}

func TestWatcherAndDispatcherConfig(t *testing.T) {
	cfg := testConfig()
	cfg.TemplateRefreshInterval = 30 * time.Second

	wc := watcherConfig(cfg)
	if wc.PollInterval != time.Hour || wc.RefreshInterval != 30*time.Second || wc.PruneInterval != pruneInterval {
		t.Errorf("watcherConfig() = %+v", wc)
	}
	dc := dispatcherConfig(cfg)
	if dc.QueueSize != 16 || dc.Workers != 2 {
		t.Errorf("dispatcherConfig() = %+v", dc)
	}
}

func TestNewPool_TemplateToKafka(t *testing.T) {
	value := int64(250000000000)
	rpc := &templateRPC{tmpl: &btcjson.GetBlockTemplateResult{
		PreviousHash:  "00000000000016d1f8fbfb77d29bc7d7b4a8ce8be18e2e1f9a2f1b1fdf3d0b6a",
		Height:        3000000,
		Bits:          "1b00f4ad",
		CurTime:       1700000000,
		Version:       0x30000000,
		CoinbaseValue: &value,
	}}
	pub := &capturePublisher{}

	p, err := newPool(testConfig(), log.Nop(), rpc, nopHasher(), pub)
	if err != nil {
		t.Fatalf("newPool() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = p.dispatcher.Run(ctx) }()
	go func() { defer wg.Done(); _ = p.watcher.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for pub.count(messaging.TopicJobs) == 0 {
		select {
		case <-deadline:
			cancel()
			wg.Wait()
			t.Fatal("job was not published")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	wg.Wait()

	j := p.manager.CurrentJob()
	if j == nil || j.Height != 3000000 {
		t.Fatalf("CurrentJob() = %+v, want height 3000000", j)
	}

	w := httptest.NewRecorder()
	p.router(log.Nop()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/job", nil))
	if w.Code != http.StatusOK {
		t.Errorf("GET /api/v1/job = %d, want %d", w.Code, http.StatusOK)
	}
}
