package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/mbd888/genforge/internal/idgen"
	"github.com/mbd888/genforge/internal/job"
)

// Prompt markers understood by Simulated.
const (
	MarkerFail = "[fail]"
	MarkerHang = "[hang]"
)

// Simulated is an in-process stand-in for the generation service used in
// development. A generation succeeds after Polls status checks unless its
// prompt contains MarkerFail (fails) or MarkerHang (never settles).
type Simulated struct {
	Polls     int
	AssetBase string

	mu   sync.Mutex
	jobs map[string]*simJob
}

type simJob struct {
	module job.Module
	checks int
	fail   bool
	hang   bool
}

// NewSimulated creates a simulated provider.
func NewSimulated(polls int) *Simulated {
	return &Simulated{Polls: polls, AssetBase: "https://assets.genforge.local", jobs: make(map[string]*simJob)}
}

func (s *Simulated) Generate(_ context.Context, m job.Module, in job.Input) (*Result, error) {
	id := "sim_" + idgen.New()
	text := strings.ToLower(in.Prompt)
	sj := &simJob{module: m, fail: strings.Contains(text, MarkerFail), hang: strings.Contains(text, MarkerHang)}

	s.mu.Lock()
	s.jobs[id] = sj
	s.mu.Unlock()
	return s.result(id, sj), nil
}

func (s *Simulated) CheckStatus(_ context.Context, providerJobID string) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sj, ok := s.jobs[providerJobID]
	if !ok {
		return nil, &Error{Code: "not_found", Message: "unknown generation " + providerJobID}
	}
	sj.checks++
	return s.result(providerJobID, sj), nil
}

func (s *Simulated) result(id string, sj *simJob) *Result {
	res := &Result{ProviderJobID: id, State: StatePending}
	switch {
	case sj.hang || sj.checks < s.Polls:
	case sj.fail:
		res.State = StateFailed
		res.Error = &Error{Code: "content_rejected", Message: "simulated failure"}
	default:
		res.State = StateSucceeded
		ext, mime := assetType(sj.module)
		res.Outputs = []job.Output{{URL: fmt.Sprintf("%s/%s/0.%s", s.AssetBase, id, ext), MimeType: mime}}
	}
	return res
}

func assetType(m job.Module) (ext, mime string) {
	switch m.Class() {
	case job.ClassVideo:
		return "mp4", "video/mp4"
	case job.ClassAudio:
		return "mp3", "audio/mpeg"
	}
	if m == job.Export {
		return "zip", "application/zip"
	}
	return "png", "image/png"
}

var _ Provider = (*Simulated)(nil)
