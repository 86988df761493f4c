package stratum

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/kawpool/internal/extranonce"
	"github.com/bardlex/kawpool/internal/job"
	"github.com/bardlex/kawpool/internal/validation"
	"github.com/bardlex/kawpool/pkg/log"
)

type mockManager struct {
	mu         sync.Mutex
	extraNonce string
	allocErr   error
	result     validation.Result
	current    *job.Job

	gotJobID  uint64
	gotWorker *validation.Worker
	gotSub    *validation.Submission
}

func (m *mockManager) AllocateExtraNonce() (string, error) {
	return m.extraNonce, m.allocErr
}

func (m *mockManager) HandleShare(jobID uint64, w *validation.Worker, s *validation.Submission) validation.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gotJobID, m.gotWorker, m.gotSub = jobID, w, s
	return m.result
}

func (m *mockManager) CurrentJob() *job.Job {
	return m.current
}

func testJob() *job.Job {
	return &job.Job{ID: 26, Height: 3000000, Bits: "1b00f4ad", CleanJobs: true}
}

func startServer(t *testing.T, mgr *mockManager) (*Server, string) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() error = %v", err)
	}

	srv := NewServer(ServerConfig{
		MaxConnections: 10,
		Session: SessionConfig{
			ReadTimeout:       5 * time.Second,
			WriteTimeout:      5 * time.Second,
			InitialDifficulty: 1,
			Vardiff:           VardiffConfig{Target: 15 * time.Second, Retarget: time.Hour},
		},
	}, mgr, log.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, listener)
	}()
	t.Cleanup(func() {
		cancel()
		shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = srv.Shutdown(shutdownCtx)
		<-done
	})
	return srv, listener.Addr().String()
}

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
	nextID int
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("net.Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *testClient) call(method string, params string) *Message {
	c.t.Helper()
	c.nextID++
	line := fmt.Sprintf(`{"id":%d,"method":%q,"params":%s}`+"\n", c.nextID, method, params)
	if _, err := c.conn.Write([]byte(line)); err != nil {
		c.t.Fatalf("write %s: %v", method, err)
	}
	return c.read()
}

func (c *testClient) read() *Message {
	c.t.Helper()
	if err := c.conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		c.t.Fatalf("SetReadDeadline() error = %v", err)
	}
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	msg, err := ParseMessage(line)
	if err != nil {
		c.t.Fatalf("ParseMessage(%s) error = %v", line, err)
	}
	return msg
}

func wantError(t *testing.T, msg *Message, code int, text string) {
	t.Helper()
	want := []any{float64(code), text, nil}
	if !reflect.DeepEqual(msg.Error, want) {
		t.Errorf("error = %v, want %v", msg.Error, want)
	}
}

func TestServer_SubscribeAuthorizeSubmit(t *testing.T) {
	mgr := &mockManager{
		extraNonce: "1952",
		current:    testJob(),
		result:     validation.Result{Accepted: true},
	}
	_, addr := startServer(t, mgr)
	c := dial(t, addr)

	sub := c.call(MethodSubscribe, `["kawpowminer/1.2.4"]`)
	if !reflect.DeepEqual(sub.Result, []any{nil, "1952"}) {
		t.Fatalf("subscribe result = %v, want [<nil> 1952]", sub.Result)
	}

	auth := c.call(MethodAuthorize, `["RAqS1bAuWqW2f6ufsU5H4XpKfy5Pqj2oHz.rig1","x"]`)
	if auth.Result != true {
		t.Fatalf("authorize result = %v, want true", auth.Result)
	}
	if target := c.read(); target.Method != MethodSetTarget {
		t.Fatalf("after authorize got %q, want %s", target.Method, MethodSetTarget)
	}
	notify := c.read()
	if notify.Method != MethodNotify || notify.Params[0] != "1a" {
		t.Fatalf("after set_target got %q %v, want notify for job 1a", notify.Method, notify.Params)
	}

	res := c.call(MethodSubmit, `["rig1","1a","0x19522aaaad98a7ec","0xaa","0xbb"]`)
	if res.Result != true || res.Error != nil {
		t.Fatalf("submit = %v %v, want true", res.Result, res.Error)
	}

	mgr.mu.Lock()
	defer mgr.mu.Unlock()
	if mgr.gotJobID != 26 {
		t.Errorf("HandleShare job id = %d, want 26", mgr.gotJobID)
	}
	if mgr.gotWorker.ExtraNonce1 != "1952" || mgr.gotWorker.PrimaryAddress != "RAqS1bAuWqW2f6ufsU5H4XpKfy5Pqj2oHz" {
		t.Errorf("HandleShare worker = %+v", mgr.gotWorker)
	}
	if mgr.gotSub.Nonce != "0x19522aaaad98a7ec" || mgr.gotSub.MixHash != "0xbb" {
		t.Errorf("HandleShare submission = %+v", mgr.gotSub)
	}
}

func TestServer_Rejections(t *testing.T) {
	mgr := &mockManager{
		extraNonce: "1952",
		result:     validation.Result{Error: validation.ErrLowDifficulty},
	}
	_, addr := startServer(t, mgr)
	c := dial(t, addr)

	wantError(t, c.call(MethodAuthorize, `["RAqS1bAuWqW2f6ufsU5H4XpKfy5Pqj2oHz"]`), ErrorNotSubscribed, "Not subscribed")
	wantError(t, c.call(MethodSubmit, `["rig1","1","00","aa","bb"]`), ErrorUnauthorized, "Unauthorized worker")
	wantError(t, c.call("mining.get_transactions", `[]`), ErrorMethodNotFound, "Method not found")

	c.call(MethodSubscribe, `[]`)
	c.call(MethodAuthorize, `["RAqS1bAuWqW2f6ufsU5H4XpKfy5Pqj2oHz"]`)
	c.read() // set_target; no current job so no notify

	wantError(t, c.call(MethodSubmit, `["rig1","zz","00","aa","bb"]`), 21, "job not found")
	wantError(t, c.call(MethodSubmit, `["rig1","1"]`), ErrorInvalidParams, "Invalid parameters")
	wantError(t, c.call(MethodSubmit, `["rig1","1","00","aa","bb"]`), 23, "low difficulty share")
}

func TestServer_ExtraNonceExhausted(t *testing.T) {
	mgr := &mockManager{allocErr: extranonce.ErrExhausted}
	_, addr := startServer(t, mgr)
	c := dial(t, addr)

	wantError(t, c.call(MethodSubscribe, `[]`), 20, "extranonce space exhausted")
}

func TestServer_Broadcast(t *testing.T) {
	mgr := &mockManager{extraNonce: "1952"}
	srv, addr := startServer(t, mgr)

	authorized := dial(t, addr)
	authorized.call(MethodSubscribe, `[]`)
	authorized.call(MethodAuthorize, `["RAqS1bAuWqW2f6ufsU5H4XpKfy5Pqj2oHz"]`)
	authorized.read()

	idle := dial(t, addr)
	idle.call(MethodSubscribe, `[]`)

	if n := srv.SessionCount(); n != 2 {
		t.Fatalf("SessionCount() = %d, want 2", n)
	}

	srv.Broadcast(testJob())
	notify := authorized.read()
	if notify.Method != MethodNotify || notify.Params[4] != true {
		t.Errorf("broadcast = %q %v, want clean notify", notify.Method, notify.Params)
	}
}
