// Package lsf polls IBM Spectrum LSF via bjobs for the cluster's job
// snapshot.
package lsf

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/hpcmeter/pkg/jobmodel"
)

// defaultRetryDelay is the pause between bjobs attempts when the command
// itself fails (scheduler daemon busy or restarting).
const defaultRetryDelay = 5 * time.Second

// bjobsFields are the -o output columns, in record order.
var bjobsFields = []string{
	"jobid",
	"jobindex",
	"job_name",
	"stat",
	"user",
	"queue",
	"slots",
	"memlimit",
	"max_mem",
	"from_host",
	"exec_host",
	"submit_time",
	"start_time",
	"finish_time",
	"cpu_efficiency",
	"mem_efficiency",
	"cpu_used",
}

// Source polls LSF with bjobs.
type Source struct {
	retryDelay time.Duration
	log        *zap.Logger

	// run and now are swappable for tests.
	run func(ctx context.Context) ([]byte, error)
	now func() time.Time
}

// New creates an LSF source. A nil logger disables retry logging.
func New(log *zap.Logger) *Source {
	if log == nil {
		log = zap.NewNop()
	}
	return &Source{
		retryDelay: defaultRetryDelay,
		log:        log,
		run:        runBJobs,
		now:        time.Now,
	}
}

// Name implements scheduler.Source.
func (s *Source) Name() string { return "lsf" }

// Jobs fetches the current snapshot of every job LSF reports. A failing
// bjobs invocation is retried indefinitely with a fixed delay: the
// scheduler daemon drops requests under load and recovers on its own.
// A response that parses incorrectly is fatal.
func (s *Source) Jobs(ctx context.Context) ([]*jobmodel.Job, error) {
	var out []byte
	for {
		var err error
		out, err = s.run(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.log.Warn("bjobs failed, retrying",
			zap.Error(err),
			zap.Duration("delay", s.retryDelay))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.retryDelay):
		}
	}

	return parseJobs(out, s.now())
}

func runBJobs(ctx context.Context) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "bjobs",
		"-u", "all", "-a", "-json", "-o", strings.Join(bjobsFields, " "))
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
			return nil, fmt.Errorf("bjobs: %w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("bjobs: %w", err)
	}
	return out, nil
}

// bjobsRecord mirrors one entry of the bjobs -json RECORDS array. Every
// value arrives as a string.
type bjobsRecord struct {
	JobID         string `json:"JOBID"`
	JobIndex      string `json:"JOBINDEX"`
	JobName       string `json:"JOB_NAME"`
	Stat          string `json:"STAT"`
	User          string `json:"USER"`
	Queue         string `json:"QUEUE"`
	Slots         string `json:"SLOTS"`
	MemLimit      string `json:"MEMLIMIT"`
	MaxMem        string `json:"MAX_MEM"`
	FromHost      string `json:"FROM_HOST"`
	ExecHost      string `json:"EXEC_HOST"`
	SubmitTime    string `json:"SUBMIT_TIME"`
	StartTime     string `json:"START_TIME"`
	FinishTime    string `json:"FINISH_TIME"`
	CPUEfficiency string `json:"CPU_EFFICIENCY"`
	MemEfficiency string `json:"MEM_EFFICIENCY"`
	CPUUsed       string `json:"CPU_USED"`
}

type bjobsResponse struct {
	Records []bjobsRecord `json:"RECORDS"`
}

var (
	memTPattern = regexp.MustCompile(`^(\d+(?:\.\d+)?) T(?:bytes)?$`)
	memGPattern = regexp.MustCompile(`^(\d+(?:\.\d+)?) G(?:bytes)?$`)
	memMPattern = regexp.MustCompile(`^(\d+) M(?:bytes)?$`)
	// e.g. "Mar  3 14:05 L" with an optional deadline/estimation marker.
	datePattern    = regexp.MustCompile(`^([A-Z][a-z]{2})\s{1,2}(\d{1,2}) (\d\d:\d\d)(?: [ELX])?$`)
	cpuUsedPattern = regexp.MustCompile(`^(\d+\.\d+) second`)
)

func parseJobs(out []byte, now time.Time) ([]*jobmodel.Job, error) {
	var resp bjobsResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(out))), &resp); err != nil {
		return nil, fmt.Errorf("decode bjobs output: %w", err)
	}

	jobs := make([]*jobmodel.Job, 0, len(resp.Records))
	for _, rec := range resp.Records {
		job, err := parseRecord(rec, now)
		if err != nil {
			return nil, fmt.Errorf("job %s[%s]: %w", rec.JobID, rec.JobIndex, err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func parseRecord(rec bjobsRecord, now time.Time) (*jobmodel.Job, error) {
	id, err := strconv.ParseInt(rec.JobID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse job id %q: %w", rec.JobID, err)
	}
	index, err := strconv.ParseInt(rec.JobIndex, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse job index %q: %w", rec.JobIndex, err)
	}

	slots := 1
	if rec.Slots != "" {
		slots, err = strconv.Atoi(rec.Slots)
		if err != nil {
			return nil, fmt.Errorf("parse slots %q: %w", rec.Slots, err)
		}
	}

	cpuEff, err := parsePercent(rec.CPUEfficiency)
	if err != nil {
		return nil, err
	}
	memEff, err := parsePercent(rec.MemEfficiency)
	if err != nil {
		return nil, err
	}
	memLim, err := parseMemoryMB(rec.MemLimit)
	if err != nil {
		return nil, err
	}
	memMax, err := parseMemoryMB(rec.MaxMem)
	if err != nil {
		return nil, err
	}

	submit, err := parseTime(rec.SubmitTime, now)
	if err != nil {
		return nil, err
	}
	if submit == nil {
		return nil, fmt.Errorf("record has no submit time")
	}
	start, err := parseTime(rec.StartTime, now)
	if err != nil {
		return nil, err
	}

	// The finish column holds projected finish times for running jobs;
	// only terminal states carry a real one.
	var finish *time.Time
	if rec.Stat == "DONE" || rec.Stat == "EXIT" {
		finish, err = parseTime(rec.FinishTime, now)
		if err != nil {
			return nil, err
		}
	}

	var cpuTime *float64
	if m := cpuUsedPattern.FindStringSubmatch(rec.CPUUsed); m != nil {
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return nil, fmt.Errorf("parse cpu time %q: %w", rec.CPUUsed, err)
		}
		cpuTime = &v
	}

	var execHost *string
	if rec.ExecHost != "" {
		h := rec.ExecHost
		execHost = &h
	}

	job := &jobmodel.Job{
		Scheduler:     "lsf",
		ID:            id,
		Index:         index,
		Name:          rec.JobName,
		Status:        rec.Stat,
		User:          rec.User,
		Queue:         rec.Queue,
		Slots:         slots,
		CPUTime:       cpuTime,
		MemLimitMB:    memLim,
		MemMaxMB:      memMax,
		FromHost:      rec.FromHost,
		ExecHost:      execHost,
		SubmitTime:    *submit,
		StartTime:     start,
		FinishTime:    finish,
		UpdateTime:    now,
		MemEfficiency: memEff,
	}
	if cpuEff != nil {
		job.CPUEfficiency = *cpuEff
	}
	return job, nil
}

// parsePercent parses a bjobs percentage such as "87.5%". Empty means
// not reported.
func parsePercent(s string) (*float64, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, "%", ""))
	if s == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("parse percentage %q: %w", s, err)
	}
	return &v, nil
}

// parseMemoryMB parses a bjobs memory figure ("512 Mbytes", "2.5 G",
// "1 Tbytes") into MB. An unrecognized unit is fatal: silently dropping
// it would skew every memory statistic downstream.
func parseMemoryMB(s string) (*int64, error) {
	if s == "" {
		return nil, nil
	}

	if m := memTPattern.FindStringSubmatch(s); m != nil {
		v, _ := strconv.ParseFloat(m[1], 64)
		mb := int64(v * 1024 * 1024)
		return &mb, nil
	}
	if m := memGPattern.FindStringSubmatch(s); m != nil {
		v, _ := strconv.ParseFloat(m[1], 64)
		mb := int64(v * 1024)
		return &mb, nil
	}
	if m := memMPattern.FindStringSubmatch(s); m != nil {
		mb, _ := strconv.ParseInt(m[1], 10, 64)
		return &mb, nil
	}
	return nil, fmt.Errorf("unrecognized memory value %q", s)
}

// parseTime parses a bjobs timestamp such as "Mar  3 14:05". bjobs omits
// the year, so it is inferred: timestamps always refer to the past, so a
// date ahead of now belongs to last year.
func parseTime(s string, now time.Time) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}

	m := datePattern.FindStringSubmatch(s)
	if m == nil {
		return nil, fmt.Errorf("unrecognized timestamp %q", s)
	}
	month, day, clock := m[1], m[2], m[3]

	const layout = "2006 Jan 2 15:04"
	t, err := time.ParseInLocation(layout,
		fmt.Sprintf("%d %s %s %s", now.Year(), month, day, clock), now.Location())
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	if t.After(now) {
		t, err = time.ParseInLocation(layout,
			fmt.Sprintf("%d %s %s %s", now.Year()-1, month, day, clock), now.Location())
		if err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", s, err)
		}
	}
	return &t, nil
}
