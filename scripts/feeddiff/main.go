// feeddiff compares two ICS feeds event by event. It is used to verify
// that repeated exports of an unchanged schedule stay byte identical, and
// to spot semantic drift when they do not.
//
// Usage:
//
//	go run ./scripts/feeddiff -a http://localhost:8080/api/v1/schedules/export.ics -b feed.ics
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/melodia-app/schedule-api/internal/ics"
	"github.com/melodia-app/schedule-api/internal/models"
)

func main() {
	var (
		aSource string
		bSource string
		timeout time.Duration
	)
	flag.StringVar(&aSource, "a", "", "first feed: file path or http(s) URL")
	flag.StringVar(&bSource, "b", "", "second feed: file path or http(s) URL")
	flag.DurationVar(&timeout, "timeout", 5*time.Second, "HTTP client timeout")
	flag.Parse()

	if aSource == "" || bSource == "" {
		flag.Usage()
		os.Exit(2)
	}

	client := &http.Client{Timeout: timeout}
	aBytes, err := loadFeed(client, aSource)
	if err != nil {
		log.Fatalf("failed to load %s: %v", aSource, err)
	}
	bBytes, err := loadFeed(client, bSource)
	if err != nil {
		log.Fatalf("failed to load %s: %v", bSource, err)
	}

	if bytes.Equal(aBytes, bBytes) {
		fmt.Println("feeds are byte identical")
		return
	}
	fmt.Println("feeds differ at the byte level, comparing events")

	aParsed, err := ics.Parse(aBytes)
	if err != nil {
		log.Fatalf("failed to parse %s: %v", aSource, err)
	}
	bParsed, err := ics.Parse(bBytes)
	if err != nil {
		log.Fatalf("failed to parse %s: %v", bSource, err)
	}

	diffs := diffEvents(aParsed.Candidates, bParsed.Candidates)
	if len(diffs) == 0 {
		fmt.Println("events are semantically identical (formatting-only difference)")
		os.Exit(1)
	}
	for _, d := range diffs {
		fmt.Println(d)
	}
	os.Exit(1)
}

func loadFeed(client *http.Client, source string) ([]byte, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		resp, err := client.Get(source)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close() //nolint:errcheck
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	}
	return os.ReadFile(source)
}

func diffEvents(a, b []models.CandidateSchedule) []string {
	index := func(cands []models.CandidateSchedule) map[string]models.CandidateSchedule {
		out := make(map[string]models.CandidateSchedule, len(cands))
		for _, cand := range cands {
			out[cand.SourceUID] = cand
		}
		return out
	}
	aByUID, bByUID := index(a), index(b)

	var diffs []string
	for uid, av := range aByUID {
		bv, ok := bByUID[uid]
		if !ok {
			diffs = append(diffs, fmt.Sprintf("- %s only in first feed", uid))
			continue
		}
		if !av.Start.Equal(bv.Start) || !av.End.Equal(bv.End) {
			diffs = append(diffs, fmt.Sprintf("~ %s time box differs: %s/%s vs %s/%s",
				uid, av.Start, av.End, bv.Start, bv.End))
		}
		if av.Summary != bv.Summary {
			diffs = append(diffs, fmt.Sprintf("~ %s summary differs: %q vs %q", uid, av.Summary, bv.Summary))
		}
	}
	for uid := range bByUID {
		if _, ok := aByUID[uid]; !ok {
			diffs = append(diffs, fmt.Sprintf("+ %s only in second feed", uid))
		}
	}
	return diffs
}
