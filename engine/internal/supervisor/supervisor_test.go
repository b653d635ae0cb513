package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"saxsctl/engine/internal/protocol"
	"saxsctl/engine/internal/transport"
	"saxsctl/engine/models"
)

// fakeAdapter answers every query for "x" immediately with a fixed value
// (unless silent, when it accepts the query and never answers) and
// otherwise no-ops, just enough to drive a Supervisor through Connecting,
// Initializing, Polling and a clean exit.
type fakeAdapter struct {
	initialized bool
	silent      bool
}

func (a *fakeAdapter) Frame(buf []byte) ([][]byte, []byte) { return nil, buf }

func (a *fakeAdapter) Query(host protocol.Host, name string) bool {
	if name == "x" {
		if !a.silent {
			host.Update("x", models.FloatValue(1), false)
		}
		return true
	}
	return false
}

func (a *fakeAdapter) Set(host protocol.Host, name string, value models.Value) error { return nil }

func (a *fakeAdapter) Execute(host protocol.Host, name string, args []models.Value) error { return nil }

func (a *fakeAdapter) InitializeAfterConnect(host protocol.Host) error {
	a.initialized = true
	return nil
}

func (a *fakeAdapter) ProcessIncoming(host protocol.Host, frame []byte, original *transport.SendRequest) {
}

type fakeConnector struct {
	connected bool
	closed    bool
}

func (c *fakeConnector) Connect(ctx context.Context) error {
	c.connected = true
	return nil
}
func (c *fakeConnector) StreamTransport() *transport.StreamTransport     { return nil }
func (c *fakeConnector) RegisterTransport() *transport.RegisterTransport { return nil }
func (c *fakeConnector) Close()                                          { c.closed = true }

func newTestSpec() models.DeviceSpec {
	return models.DeviceSpec{
		Name:                  "dev1",
		Family:                "fake",
		AllVariables:          []string{"x"},
		MinimumQueryVariables: []string{"x"},
		PollInterval:          10 * time.Millisecond,
		QueryTimeout:          time.Second,
		WatchdogTimeout:       5 * time.Second,
		MaxBusyLevel:          1,
	}
}

func TestSupervisorReachesReadyAndExitsCleanly(t *testing.T) {
	adapter := &fakeAdapter{}
	connector := &fakeConnector{}
	sup := New(newTestSpec(), adapter, connector, 16)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return sup.State() == Polling
	}, time.Second, time.Millisecond)

	var mu sync.Mutex
	var sawReady, sawUpdate, sawExited bool
	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		for {
			msg, ok := sup.Front().Receive(context.Background(), 100*time.Millisecond)
			if ok {
				mu.Lock()
				switch msg.Kind {
				case models.KindReady:
					sawReady = true
				case models.KindUpdate:
					sawUpdate = true
				case models.KindExited:
					sawExited = true
				}
				exited := sawExited
				mu.Unlock()
				if exited {
					return
				}
			}
			select {
			case <-done:
				return
			default:
			}
		}
	}()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return sawReady && sawUpdate
	}, 2*time.Second, 5*time.Millisecond)

	sup.Inbound().TrySend(sup.Inbound().Stamp(models.Message{Kind: models.KindExit}))
	<-done
	<-drainDone

	mu.Lock()
	assert.True(t, sawReady)
	assert.True(t, sawUpdate)
	assert.True(t, sawExited)
	mu.Unlock()
	assert.True(t, connector.connected)
	assert.True(t, adapter.initialized)
	assert.Equal(t, Exited, sup.State())
	assert.True(t, connector.closed)
}

func TestQueryoneSkipsWhileOutstanding(t *testing.T) {
	// an unanswered query keeps its outstanding entry; an answer would clear it.
	adapter := &fakeAdapter{silent: true}
	sup := New(newTestSpec(), adapter, nil, 4)
	sup.queryone("x")
	require.Contains(t, sup.outstanding, "x")

	// A second call within QueryTimeout must not re-dispatch (the outstanding
	// entry's Dispatched timestamp should be unchanged).
	first := sup.outstanding["x"].Dispatched
	sup.queryone("x")
	assert.Equal(t, first, sup.outstanding["x"].Dispatched)
}

func TestAcquireReleaseBusy(t *testing.T) {
	sup := New(newTestSpec(), &fakeAdapter{}, nil, 4)
	assert.True(t, sup.AcquireBusy())
	assert.False(t, sup.AcquireBusy())
	assert.Equal(t, 1, sup.BusyLevel())
	sup.ReleaseBusy()
	assert.Equal(t, 0, sup.BusyLevel())
	assert.True(t, sup.AcquireBusy())
}

func TestLogFileReceivesStampedTemplateLines(t *testing.T) {
	dir := t.TempDir()
	spec := newTestSpec()
	spec.LogFormat = "{x}"
	spec.ConnectionParams = map[string]string{"logdir": dir}

	sup := New(spec, &fakeAdapter{}, &fakeConnector{}, 16)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()
	go func() {
		for {
			if _, ok := sup.Front().Receive(ctx, 50*time.Millisecond); !ok {
				select {
				case <-done:
					return
				default:
				}
			}
		}
	}()

	logPath := filepath.Join(dir, "dev1.log")
	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(logPath)
		return err == nil && strings.Contains(string(data), "\t1\n")
	}, 3*time.Second, 20*time.Millisecond)

	sup.Inbound().TrySend(sup.Inbound().Stamp(models.Message{Kind: models.KindExit}))
	<-done

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	first := strings.SplitN(string(data), "\t", 2)[0]
	_, err = strconv.ParseFloat(first, 64)
	assert.NoError(t, err, "log line must start with unix seconds: %q", string(data))
}

func TestRefreshCounterGuaranteesOneNotification(t *testing.T) {
	sup := New(newTestSpec(), &fakeAdapter{}, nil, 8)

	// seed the value once; the first update notifies because it is new.
	sup.Update("x", models.FloatValue(1), false)
	drain(sup)

	// an unchanged update with no refresh owed is silent.
	sup.Update("x", models.FloatValue(1), false)
	if _, ok := sup.Front().Receive(context.Background(), 50*time.Millisecond); ok {
		t.Fatal("unchanged update must not notify without a refresh request")
	}

	// a query with signal_needed owes exactly one notification even though
	// the value does not change.
	sup.dispatch(models.Message{Kind: models.KindQuery, Variable: "x", SignalNeeded: true})
	msg, ok := sup.Front().Receive(context.Background(), time.Second)
	require.True(t, ok)
	assert.Equal(t, models.KindUpdate, msg.Kind)

	// and only one: the next unchanged update is silent again.
	sup.Update("x", models.FloatValue(1), false)
	if _, ok := sup.Front().Receive(context.Background(), 50*time.Millisecond); ok {
		t.Fatal("refresh counter must decrement after its one owed notification")
	}
}

func drain(sup *Supervisor) {
	for {
		if _, ok := sup.Front().Receive(context.Background(), 10*time.Millisecond); !ok {
			return
		}
	}
}
