package module

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/snowmerak/module.go/lib/rpc"
	"github.com/snowmerak/module.go/lib/transport"
)

// helloService answers with the value and greeting it was constructed with.
type helloService struct {
	value    int
	greeting string
}

func (s *helloService) Dispatch(method string, payload []byte) ([]byte, error) {
	switch method {
	case "hello":
		return json.Marshal(s.value)
	case "hi":
		return json.Marshal(s.greeting)
	default:
		return nil, fmt.Errorf("unknown method %q", method)
	}
}

// helloModule stages helloServices and verifies its imported proxies: each
// slot name carries the value the peer's service was constructed with.
type helloModule struct {
	myGreeting     string
	othersGreeting string
	imports        []helloImport
}

type helloImport struct {
	proxy    *rpc.Proxy
	expected int
}

func newHelloModule(arg []byte) (UserModule, error) {
	var greetings [2]string
	if err := json.Unmarshal(arg, &greetings); err != nil {
		return nil, err
	}
	return &helloModule{myGreeting: greetings[0], othersGreeting: greetings[1]}, nil
}

func (m *helloModule) PrepareServiceToExport(ctorName string, ctorArg []byte) (rpc.Dispatch, error) {
	if ctorName != "hello" {
		return nil, fmt.Errorf("unknown constructor %q", ctorName)
	}
	var value int
	if err := json.Unmarshal(ctorArg, &value); err != nil {
		return nil, err
	}
	return &helloService{value: value, greeting: m.myGreeting}, nil
}

func (m *helloModule) ImportService(rto *rpc.Context, exporterModule, name string, handle rpc.Handle) error {
	expected, err := strconv.Atoi(name)
	if err != nil {
		return fmt.Errorf("slot name %q is not a value: %w", name, err)
	}
	m.imports = append(m.imports, helloImport{proxy: rto.Import(handle), expected: expected})
	return nil
}

// Debug calls every imported proxy and reports "ok" only when each one
// answers with its expected value and the peer's greeting.
func (m *helloModule) Debug(arg []byte) []byte {
	ctx := context.Background()
	for _, imp := range m.imports {
		out, err := imp.proxy.Call(ctx, "hello", nil)
		if err != nil {
			return []byte(err.Error())
		}
		var value int
		if err := json.Unmarshal(out, &value); err != nil {
			return []byte(err.Error())
		}
		if value != imp.expected {
			return []byte(fmt.Sprintf("expected value %d, got %d", imp.expected, value))
		}

		out, err = imp.proxy.Call(ctx, "hi", nil)
		if err != nil {
			return []byte(err.Error())
		}
		var greeting string
		if err := json.Unmarshal(out, &greeting); err != nil {
			return []byte(err.Error())
		}
		if greeting != m.othersGreeting {
			return []byte(fmt.Sprintf("expected greeting %q, got %q", m.othersGreeting, greeting))
		}
	}
	return []byte("ok")
}

func helloExports(values ...int) []ExportDesc {
	exports := make([]ExportDesc, 0, len(values))
	for _, v := range values {
		arg, _ := json.Marshal(v)
		exports = append(exports, ExportDesc{Ctor: "hello", Arg: arg})
	}
	return exports
}

func importSlots(handles []rpc.Handle, values []int) []ImportSlot {
	slots := make([]ImportSlot, 0, len(handles))
	for i, h := range handles {
		slots = append(slots, ImportSlot{Name: strconv.Itoa(values[i]), Handle: h})
	}
	return slots
}

func TestTwoModuleBootstrap(t *testing.T) {
	const n = 10

	values := make([]int, n)
	ids := make([]int, n)
	for i := 0; i < n; i++ {
		values[i] = i
		ids[i] = i
	}

	m1 := New(newHelloModule, Options{Workers: 4, Logger: zaptest.NewLogger(t)})
	m2 := New(newHelloModule, Options{Workers: 4})

	arg1, _ := json.Marshal([2]string{"annyeong", "konnichiwa"})
	arg2, _ := json.Marshal([2]string{"konnichiwa", "annyeong"})
	if err := m1.Initialize(arg1, helloExports(values...)); err != nil {
		t.Fatalf("Module 1 initialize failed: %v", err)
	}
	if err := m2.Initialize(arg2, helloExports(values...)); err != nil {
		t.Fatalf("Module 2 initialize failed: %v", err)
	}

	p1 := m1.CreatePort("module-2")
	p2 := m2.CreatePort("module-1")

	argA, argB := transport.IntraArguments()
	cfg := rpc.Config{CallSlots: 8, CallTimeout: 5 * time.Second}
	if err := p1.Initialize(cfg, argA, true); err != nil {
		t.Fatalf("Port 1 initialize failed: %v", err)
	}
	if err := p2.Initialize(cfg, argB, true); err != nil {
		t.Fatalf("Port 2 initialize failed: %v", err)
	}

	h12 := p1.Export(ids)
	h21 := p2.Export(ids)
	if len(h12) != n || len(h21) != n {
		t.Fatalf("Expected %d handles each way, got %d and %d", n, len(h12), len(h21))
	}

	if err := p1.Import(importSlots(h21, values)); err != nil {
		t.Fatalf("Port 1 import failed: %v", err)
	}
	if err := p2.Import(importSlots(h12, values)); err != nil {
		t.Fatalf("Port 2 import failed: %v", err)
	}

	m1.FinishBootstrap()
	m2.FinishBootstrap()

	if out := m1.Debug(nil); string(out) != "ok" {
		t.Fatalf("Module 1 debug: %s", out)
	}
	if out := m2.Debug(nil); string(out) != "ok" {
		t.Fatalf("Module 2 debug: %s", out)
	}

	m1.Shutdown()

	// Module 1 is gone; module 2's proxies must fail, never return stale data.
	if out := m2.Debug(nil); string(out) == "ok" {
		t.Fatal("Debug succeeded against a shut down peer")
	}

	m2.Shutdown()
}

func TestPairwiseLinkedModules(t *testing.T) {
	const n = 4

	modules := make([]*Context, n)
	arg, _ := json.Marshal([2]string{"hello", "hello"})
	for i := range modules {
		modules[i] = New(newHelloModule, Options{Workers: 4})

		// One service per peer, values 0..n-2.
		values := make([]int, n-1)
		for k := range values {
			values[k] = k
		}
		if err := modules[i].Initialize(arg, helloExports(values...)); err != nil {
			t.Fatalf("Module %d initialize failed: %v", i, err)
		}
	}

	cfg := rpc.Config{CallSlots: 4, CallTimeout: 5 * time.Second}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			pi := modules[i].CreatePort(fmt.Sprintf("module-%d", j))
			pj := modules[j].CreatePort(fmt.Sprintf("module-%d", i))

			argA, argB := transport.IntraArguments()
			if err := pi.Initialize(cfg, argA, true); err != nil {
				t.Fatalf("Port %d->%d initialize failed: %v", i, j, err)
			}
			if err := pj.Initialize(cfg, argB, true); err != nil {
				t.Fatalf("Port %d->%d initialize failed: %v", j, i, err)
			}

			// Each module stages n-1 services, skipping the index toward
			// itself, so the slot for peer j sits at j-1 when j > i.
			hij := pi.Export([]int{j - 1})
			hji := pj.Export([]int{i})

			if err := pi.Import(importSlots(hji, []int{i})); err != nil {
				t.Fatalf("Module %d import from %d failed: %v", i, j, err)
			}
			if err := pj.Import(importSlots(hij, []int{j - 1})); err != nil {
				t.Fatalf("Module %d import from %d failed: %v", j, i, err)
			}
		}
	}

	for i, m := range modules {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("Module %d finish_bootstrap panicked: %v", i, r)
				}
			}()
			m.FinishBootstrap()
		}()
	}

	// Every module verifies its peer graph concurrently.
	results := make([][]byte, n)
	var wg sync.WaitGroup
	for i := range modules {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = modules[i].Debug(nil)
		}(i)
	}
	wg.Wait()

	for i, out := range results {
		if string(out) != "ok" {
			t.Errorf("Module %d debug: %s", i, out)
		}
	}

	for _, m := range modules {
		m.Shutdown()
	}
}
