package envsrv

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mbi-berlin/lightfield-http/binding"
	"github.com/mbi-berlin/lightfield-http/lightfield"
)

type fakeReader struct {
	temps  []float64
	status interface{}
	n      int
}

func (f *fakeReader) Read(name string) (interface{}, error) {
	switch name {
	case "temp_read":
		if f.n >= len(f.temps) {
			return nil, errors.New("no more readings")
		}
		f.n++
		return f.temps[f.n-1], nil
	case "temp_status":
		if f.status == nil {
			return nil, binding.ErrUnknownAttribute
		}
		return f.status, nil
	}
	return nil, binding.ErrUnknownAttribute
}

func TestHistoryIsBounded(t *testing.T) {
	src := &fakeReader{temps: []float64{-10, -20, -30, -40}, status: 1}
	em := New(src, time.Second, 3, nil)
	t0 := time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		if err := em.Sample(t0.Add(time.Duration(i) * time.Second)); err != nil {
			t.Fatal(err)
		}
	}
	if err := em.Sample(t0); err == nil {
		t.Error("expected the failed read to be reported")
	}
	temps, statuses, stamps := em.History()
	if diff := cmp.Diff([]float64{-20, -30, -40}, temps); diff != "" {
		t.Error(diff)
	}
	if diff := cmp.Diff([]int{1, 1, 1}, statuses); diff != "" {
		t.Error(diff)
	}
	if !stamps[0].Equal(t0.Add(time.Second)) {
		t.Errorf("oldest timestamp %v", stamps[0])
	}
}

func TestMissingStatusIsRecorded(t *testing.T) {
	em := New(&fakeReader{temps: []float64{5}}, time.Second, 4, nil)
	if err := em.Sample(time.Now()); err != nil {
		t.Fatal(err)
	}
	_, statuses, _ := em.History()
	if diff := cmp.Diff([]int{-1}, statuses); diff != "" {
		t.Error(diff)
	}
}

func TestSampleFromBindingTable(t *testing.T) {
	m := lightfield.NewMock(lightfield.MockConfig{})
	tbl, err := binding.Build(m, binding.LightField, func() bool { return false }, nil)
	if err != nil {
		t.Fatal(err)
	}
	em := New(tbl, time.Second, 8, nil)
	if err := em.Sample(time.Now()); err != nil {
		t.Fatal(err)
	}
	temps, statuses, _ := em.History()
	if temps[0] != -60 || statuses[0] != 2 {
		t.Errorf("unexpected sample %v %v", temps, statuses)
	}
}

func TestRunAndHTTPYield(t *testing.T) {
	src := &fakeReader{temps: []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, status: 2}
	em := New(src, time.Millisecond, 100, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		em.Run(ctx)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for {
		temps, _, _ := em.History()
		if len(temps) >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("monitor never sampled")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	w := httptest.NewRecorder()
	em.HTTPYield(w, httptest.NewRequest(http.MethodGet, "/temperature/history", nil))
	var data struct {
		Temp      []float64   `json:"temp"`
		Status    []int       `json:"status"`
		Timestamp []time.Time `json:"timestamp"`
	}
	if err := json.NewDecoder(w.Body).Decode(&data); err != nil {
		t.Fatal(err)
	}
	if len(data.Temp) < 2 || data.Temp[0] != 1 || len(data.Status) != len(data.Temp) || len(data.Timestamp) != len(data.Temp) {
		t.Errorf("unexpected history %+v", data)
	}
}
