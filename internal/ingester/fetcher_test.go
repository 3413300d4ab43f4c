package ingester

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"invest-loader/internal/models"
)

// recordingAdmitter admits everything immediately and records the priority
// of every ticket.
type recordingAdmitter struct {
	mu         sync.Mutex
	priorities []int64
	observed   int
}

func (a *recordingAdmitter) Acquire(_ context.Context, priority int64) error {
	a.mu.Lock()
	a.priorities = append(a.priorities, priority)
	a.mu.Unlock()
	return nil
}

func (a *recordingAdmitter) Observe(http.Header) {
	a.mu.Lock()
	a.observed++
	a.mu.Unlock()
}

// historyServer scripts per-(year, attempt) status codes; any year without a
// script serves a one-line archive.
type historyServer struct {
	t    *testing.T
	uid  string
	mu   sync.Mutex
	hits map[int]int
	// statuses[year] is consumed one attempt at a time; 200 means archive.
	statuses map[int][]int
	years    []int
}

func newHistoryServer(t *testing.T, uid string, statuses map[int][]int) (*historyServer, *httptest.Server) {
	s := &historyServer{t: t, uid: uid, hits: map[int]int{}, statuses: statuses}
	srv := httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *historyServer) handle(w http.ResponseWriter, r *http.Request) {
	year, err := strconv.Atoi(r.URL.Query().Get("year"))
	if err != nil {
		s.t.Errorf("bad year query %q", r.URL.RawQuery)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
		s.t.Errorf("missing bearer token, got %q", got)
	}

	s.mu.Lock()
	attempt := s.hits[year]
	s.hits[year]++
	s.years = append(s.years, year)
	status := http.StatusOK
	if sc := s.statuses[year]; attempt < len(sc) {
		status = sc[attempt]
	}
	s.mu.Unlock()

	w.Header().Set("x-ratelimit-limit", "30,30;w=60")
	w.Header().Set("x-ratelimit-remaining", "29")
	if status != http.StatusOK {
		w.Header().Set("message", "backend unhappy")
		w.WriteHeader(status)
		return
	}

	line := fmt.Sprintf("%s;%d-06-01T10:00:00Z;1;2;3;0.5;10;\n", s.uid, year)
	w.WriteHeader(http.StatusOK)
	w.Write(buildZip(s.t, map[string][]byte{"part.csv": []byte(line)}))
}

func (s *historyServer) requestedYears() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.years...)
}

func testFetcher(srvURL string, admit admitter, firstYear, nowYear int) (*fetcher, *[][]byte) {
	figi := "BBG000BCSST7"
	saved := &[][]byte{}
	f := &fetcher{
		client:     http.DefaultClient,
		limiter:    admit,
		extract:    newExtractPool(),
		historyURL: srvURL,
		token:      "test-token",
		instrument: models.Instrument{
			ID:   42,
			UID:  uuid.MustParse("8e2b0325-0292-4654-8a18-4f63ed3b0e09"),
			FIGI: &figi,
		},
		priority:  5,
		firstYear: firstYear,
		now: func() time.Time {
			return time.Date(nowYear, 7, 1, 0, 0, 0, 0, time.UTC)
		},
	}
	return f, saved
}

func TestFetcherWalksYearsAndRewrites(t *testing.T) {
	t.Parallel()

	srvState, srv := newHistoryServer(t, "8e2b0325-0292-4654-8a18-4f63ed3b0e09", nil)
	admit := &recordingAdmitter{}
	f, saved := testFetcher(srv.URL, admit, 2023, 2025)

	err := f.run(context.Background(), func(csv []byte) error {
		*saved = append(*saved, csv)
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if got, want := srvState.requestedYears(), []int{2023, 2024, 2025}; !slices.Equal(got, want) {
		t.Fatalf("requested years %v, want %v", got, want)
	}
	if len(*saved) != 3 {
		t.Fatalf("emitted %d CSVs, want 3", len(*saved))
	}
	for _, csv := range *saved {
		if bytes.Contains(csv, []byte("8e2b0325")) {
			t.Fatal("CSV still contains the UUID")
		}
		if !bytes.HasPrefix(csv, []byte("42;")) {
			t.Fatalf("CSV not rewritten to the surrogate id: %q", csv)
		}
		if bytes.Contains(csv, []byte(";\n")) {
			t.Fatalf("trailing delimiter not stripped: %q", csv)
		}
	}
	// One ticket per request, all at the base priority.
	for _, p := range admit.priorities {
		if p != 5 {
			t.Fatalf("ticket priority %d, want 5", p)
		}
	}
	if admit.observed != 3 {
		t.Fatalf("observed %d response header sets, want 3", admit.observed)
	}
}

func TestFetcherStopsAtNotFound(t *testing.T) {
	t.Parallel()

	srvState, srv := newHistoryServer(t, "8e2b0325-0292-4654-8a18-4f63ed3b0e09",
		map[int][]int{2024: {http.StatusNotFound}})
	f, saved := testFetcher(srv.URL, &recordingAdmitter{}, 2023, 2025)

	err := f.run(context.Background(), func(csv []byte) error {
		*saved = append(*saved, csv)
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v (404 must terminate cleanly)", err)
	}

	if got, want := srvState.requestedYears(), []int{2023, 2024}; !slices.Equal(got, want) {
		t.Fatalf("requested years %v, want %v", got, want)
	}
	if len(*saved) != 1 {
		t.Fatalf("emitted %d CSVs, want 1", len(*saved))
	}
}

func TestFetcherSecondChanceDemotesAndRestores(t *testing.T) {
	t.Parallel()

	srvState, srv := newHistoryServer(t, "8e2b0325-0292-4654-8a18-4f63ed3b0e09",
		map[int][]int{2023: {http.StatusInternalServerError, http.StatusOK}})
	admit := &recordingAdmitter{}
	f, saved := testFetcher(srv.URL, admit, 2023, 2024)

	err := f.run(context.Background(), func(csv []byte) error {
		*saved = append(*saved, csv)
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if got, want := srvState.requestedYears(), []int{2023, 2023, 2024}; !slices.Equal(got, want) {
		t.Fatalf("requested years %v, want %v", got, want)
	}
	// Demoted for the retry, restored for the following year.
	want := []int64{5, 5 + secondChancePriority, 5}
	if !slices.Equal(admit.priorities, want) {
		t.Fatalf("ticket priorities %v, want %v", admit.priorities, want)
	}
	if len(*saved) != 2 {
		t.Fatalf("emitted %d CSVs, want 2", len(*saved))
	}
}

func TestFetcherGivesUpAfterSecondFailure(t *testing.T) {
	t.Parallel()

	srvState, srv := newHistoryServer(t, "8e2b0325-0292-4654-8a18-4f63ed3b0e09",
		map[int][]int{2024: {http.StatusBadGateway, http.StatusBadGateway}})
	admit := &recordingAdmitter{}
	f, saved := testFetcher(srv.URL, admit, 2024, 2025)

	err := f.run(context.Background(), func(csv []byte) error {
		*saved = append(*saved, csv)
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v (a twice-failed instrument must not surface an error)", err)
	}

	if got, want := srvState.requestedYears(), []int{2024, 2024}; !slices.Equal(got, want) {
		t.Fatalf("requested years %v, want %v", got, want)
	}
	if len(*saved) != 0 {
		t.Fatalf("emitted %d CSVs, want 0", len(*saved))
	}
	want := []int64{5, 5 + secondChancePriority}
	if !slices.Equal(admit.priorities, want) {
		t.Fatalf("ticket priorities %v, want %v", admit.priorities, want)
	}
}

func TestFetcherFailsOnBadArchive(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not a zip"))
	}))
	t.Cleanup(srv.Close)

	f, _ := testFetcher(srv.URL, &recordingAdmitter{}, 2024, 2025)
	err := f.run(context.Background(), func([]byte) error { return nil })
	if err == nil {
		t.Fatal("run accepted an unreadable archive")
	}
}
