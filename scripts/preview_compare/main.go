// Command preview_compare posts the same catalogs to two deployments' preview
// endpoint and reports differences in the decoded plans. Used to check that a
// solver or model change keeps schedules stable.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/noah-isme/course-scheduler/internal/catalog"
	"github.com/noah-isme/course-scheduler/internal/dto"
)

type target struct {
	Catalog  string `json:"catalog"`
	Critical bool   `json:"critical"`
}

type config struct {
	Targets []target `json:"targets"`
}

type comparison struct {
	Target            target
	BaselineStatus    int
	CandidateStatus   int
	StatusMatch       bool
	PlanMatch         bool
	Error             error
	DurationBaseline  time.Duration
	DurationCandidate time.Duration
}

// volatile fields differ between otherwise identical plans.
var volatile = []string{"duration_ms"}

func main() {
	var (
		baselineBase  string
		candidateBase string
		targetsPath   string
		token         string
		timeout       time.Duration
	)

	flag.StringVar(&baselineBase, "baseline", "http://localhost:8080/api/v1", "baseline API base URL")
	flag.StringVar(&candidateBase, "candidate", "http://localhost:8081/api/v1", "candidate API base URL")
	flag.StringVar(&targetsPath, "targets", filepath.Join("scripts", "preview_compare", "targets.json"), "path to JSON targets file")
	flag.StringVar(&token, "token", os.Getenv("SCHEDULER_TOKEN"), "bearer token accepted by both deployments")
	flag.DurationVar(&timeout, "timeout", 5*time.Minute, "HTTP client timeout per preview")
	flag.Parse()

	targets, err := loadTargets(targetsPath)
	if err != nil {
		log.Fatalf("failed to load targets: %v", err)
	}

	client := &http.Client{Timeout: timeout}
	var (
		comparisons  []comparison
		breaking     int
		optionalDiff int
	)

	for _, t := range targets {
		comp := compareTarget(client, baselineBase, candidateBase, token, t)
		switch {
		case comp.Error != nil:
			if t.Critical {
				breaking++
			}
		case !comp.StatusMatch || !comp.PlanMatch:
			if t.Critical {
				breaking++
			} else {
				optionalDiff++
			}
		}
		comparisons = append(comparisons, comp)
	}

	printReport(comparisons)

	fmt.Printf("Breaking diffs: %d, Optional diffs: %d\n", breaking, optionalDiff)
	if breaking > 0 {
		os.Exit(1)
	}
}

func loadTargets(path string) ([]target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Targets) == 0 {
		return nil, fmt.Errorf("no targets defined in %s", path)
	}
	base := filepath.Dir(path)
	for i, t := range cfg.Targets {
		if !filepath.IsAbs(t.Catalog) {
			cfg.Targets[i].Catalog = filepath.Join(base, t.Catalog)
		}
	}
	return cfg.Targets, nil
}

func previewPayload(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	input, err := catalog.ParseYAML(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(dto.PlanRequest{Catalog: input})
}

func compareTarget(client *http.Client, baselineBase, candidateBase, token string, tgt target) comparison {
	comp := comparison{Target: tgt}
	payload, err := previewPayload(tgt.Catalog)
	if err != nil {
		comp.Error = fmt.Errorf("read catalog: %w", err)
		return comp
	}

	baseStatus, baseBody, baseDur, baseErr := preview(client, baselineBase, token, payload)
	candStatus, candBody, candDur, candErr := preview(client, candidateBase, token, payload)
	comp.DurationBaseline = baseDur
	comp.DurationCandidate = candDur

	if baseErr != nil {
		comp.Error = fmt.Errorf("baseline request failed: %w", baseErr)
		return comp
	}
	if candErr != nil {
		comp.Error = fmt.Errorf("candidate request failed: %w", candErr)
		return comp
	}

	comp.BaselineStatus = baseStatus
	comp.CandidateStatus = candStatus
	comp.StatusMatch = baseStatus == candStatus
	comp.PlanMatch = plansEqual(baseBody, candBody)
	return comp
}

func preview(client *http.Client, base, token string, payload []byte) (int, []byte, time.Duration, error) {
	if client == nil {
		return 0, nil, 0, errors.New("nil client")
	}
	url := strings.TrimRight(base, "/") + "/schedule-runs/preview"
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, time.Since(start), fmt.Errorf("read body: %w", err)
	}
	return resp.StatusCode, body, time.Since(start), nil
}

func plansEqual(a, b []byte) bool {
	var aj, bj map[string]interface{}
	if err := json.Unmarshal(a, &aj); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &bj); err != nil {
		return false
	}
	strip(aj)
	strip(bj)
	return reflect.DeepEqual(aj, bj)
}

func strip(envelope map[string]interface{}) {
	data, ok := envelope["data"].(map[string]interface{})
	if !ok {
		return
	}
	for _, key := range volatile {
		delete(data, key)
	}
}

func printReport(results []comparison) {
	fmt.Println("Preview Compare Report")
	fmt.Println("======================")
	for _, res := range results {
		status := "OK"
		if res.Error != nil {
			status = "ERROR"
		} else if !res.StatusMatch || !res.PlanMatch {
			status = "DIFF"
		}
		fmt.Printf("[%s] %s\n", status, res.Target.Catalog)
		fmt.Printf("  Baseline: %d (%s)\n", res.BaselineStatus, res.DurationBaseline)
		fmt.Printf("  Candidate: %d (%s)\n", res.CandidateStatus, res.DurationCandidate)
		if res.Error != nil {
			fmt.Printf("  Error: %v\n", res.Error)
		} else {
			fmt.Printf("  Status match: %t | Plan match: %t | Critical: %t\n", res.StatusMatch, res.PlanMatch, res.Target.Critical)
		}
	}
}
