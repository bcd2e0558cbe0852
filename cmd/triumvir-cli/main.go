// Command triumvir is the operator CLI for the governance gateway.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dndnordic/triumvir/internal/policy"
	"github.com/dndnordic/triumvir/pkg/types"
)

const defaultAddr = "http://localhost:8080"

func main() {
	exitFn(run(os.Args, os.Stdout, os.Stderr))
}

var exitFn = os.Exit

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	switch args[1] {
	case "submit":
		return handleSubmit(args[2:], stdout, stderr)
	case "list":
		return handleList(args[2:], stdout, stderr)
	case "get":
		return handleGet(args[2:], stdout, stderr)
	case "decide":
		return handleDecide(args[2:], stdout, stderr)
	case "verify":
		return handleVerify(args[2:], stdout, stderr)
	case "stats":
		return handleStats(args[2:], stdout, stderr)
	case "bundle":
		return handleBundle(args[2:], stdout, stderr)
	case "policy":
		return handlePolicy(args[2:], stdout, stderr)
	default:
		usage(stderr)
		return 2
	}
}

func handleSubmit(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", envOrDefault("TRIUMVIR_ADDR", defaultAddr), "Triumvir API address")
	token := fs.String("token", envOrDefault("TRIUMVIR_TOKEN", os.Getenv("TRIUMVIR_DEV_TOKEN")), "bearer token")
	title := fs.String("title", "", "proposal title")
	category := fs.String("category", "", "proposal category")
	description := fs.String("description", "", "what the change does and why")
	impact := fs.String("impact", "", "impact assessment")
	security := fs.String("security", "", "security implications")
	changesPath := fs.String("changes", "", "path to a JSON file listing file changes")
	idemKey := fs.String("idempotency-key", "", "dedupe key for retried submits")
	jsonOut := fs.Bool("json", false, "print raw JSON response")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}

	payload := map[string]any{
		"title":       *title,
		"category":    *category,
		"description": *description,
	}
	if *impact != "" {
		payload["impact_assessment"] = *impact
	}
	if *security != "" {
		payload["security_implications"] = *security
	}
	if *changesPath != "" {
		// #nosec G304 -- path is operator-provided.
		raw, err := os.ReadFile(*changesPath)
		if err != nil {
			fmt.Fprintln(stderr, "read changes:", err)
			return 1
		}
		var changes []types.FileChange
		if err := json.Unmarshal(raw, &changes); err != nil {
			fmt.Fprintln(stderr, "decode changes:", err)
			return 1
		}
		payload["changes"] = changes
	}

	body, err := json.Marshal(payload)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	headers := map[string]string{}
	if *idemKey != "" {
		headers["Idempotency-Key"] = *idemKey
	}

	respBody, status, err := httpPost(http.DefaultClient, *addr+"/v1/proposals", *token, body, headers)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if status != http.StatusCreated {
		fmt.Fprintf(stderr, "submit failed: %s\n", strings.TrimSpace(string(respBody)))
		return 1
	}

	if *jsonOut {
		_, _ = stdout.Write(respBody)
		return 0
	}
	var rec types.ProposalRecord
	if err := json.Unmarshal(respBody, &rec); err != nil {
		fmt.Fprintln(stderr, "invalid response:", err)
		return 1
	}
	fmt.Fprintf(stdout, "proposal_id=%s status=%s deadline=%s\n", rec.ProposalID, rec.Status, rec.Deadline)
	return 0
}

func handleList(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", envOrDefault("TRIUMVIR_ADDR", defaultAddr), "Triumvir API address")
	token := fs.String("token", envOrDefault("TRIUMVIR_TOKEN", os.Getenv("TRIUMVIR_DEV_TOKEN")), "bearer token")
	status := fs.String("status", "", "filter: pending, approved or rejected")
	limit := fs.Int("limit", 0, "cap the number of rows")
	jsonOut := fs.Bool("json", false, "print raw JSON response")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}

	query := url.Values{}
	if *status != "" {
		query.Set("status", *status)
	}
	if *limit > 0 {
		query.Set("limit", strconv.Itoa(*limit))
	}
	target := *addr + "/v1/proposals"
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	respBody, code, err := httpGet(http.DefaultClient, target, *token)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if code != http.StatusOK {
		fmt.Fprintf(stderr, "list failed: %s\n", strings.TrimSpace(string(respBody)))
		return 1
	}

	if *jsonOut {
		_, _ = stdout.Write(respBody)
		return 0
	}
	var payload struct {
		Proposals []struct {
			types.ProposalRecord
			NextAction string `json:"next_action"`
		} `json:"proposals"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		fmt.Fprintln(stderr, "invalid response:", err)
		return 1
	}
	for _, p := range payload.Proposals {
		fmt.Fprintf(stdout, "%s %s %s %s %q\n", p.ProposalID, p.Status, p.NextAction, p.Category, p.Title)
	}
	return 0
}

func handleGet(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", envOrDefault("TRIUMVIR_ADDR", defaultAddr), "Triumvir API address")
	token := fs.String("token", envOrDefault("TRIUMVIR_TOKEN", os.Getenv("TRIUMVIR_DEV_TOKEN")), "bearer token")
	jsonOut := fs.Bool("json", false, "print raw JSON response")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "get requires <proposal_id>")
		fs.Usage()
		return 2
	}

	respBody, code, err := httpGet(http.DefaultClient, *addr+"/v1/proposals/"+fs.Arg(0), *token)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if code != http.StatusOK {
		fmt.Fprintf(stderr, "get failed: %s\n", strings.TrimSpace(string(respBody)))
		return 1
	}

	if *jsonOut {
		_, _ = stdout.Write(respBody)
		return 0
	}
	var payload struct {
		types.ProposalRecord
		NextAction string `json:"next_action"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		fmt.Fprintln(stderr, "invalid response:", err)
		return 1
	}
	fmt.Fprintf(stdout, "proposal_id=%s status=%s next_action=%s category=%s submitter=%s\n",
		payload.ProposalID, payload.Status, payload.NextAction, payload.Category, payload.Submitter)
	if payload.DecidedBy != nil {
		reason := ""
		if payload.Reason != nil {
			reason = *payload.Reason
		}
		fmt.Fprintf(stdout, "decided_by=%s reason=%q\n", *payload.DecidedBy, reason)
	}
	return 0
}

func handleDecide(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("decide", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", envOrDefault("TRIUMVIR_ADDR", defaultAddr), "Triumvir API address")
	token := fs.String("token", envOrDefault("TRIUMVIR_TOKEN", os.Getenv("TRIUMVIR_DEV_TOKEN")), "bearer token")
	kind := fs.String("kind", string(types.DecisionApprove), "approve, reject or emergency-override")
	proof := fs.String("proof", "", "hardware token code")
	reason := fs.String("reason", "", "why this call was made")
	jsonOut := fs.Bool("json", false, "print raw JSON response")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "decide requires <proposal_id>")
		fs.Usage()
		return 2
	}
	if *proof == "" {
		fmt.Fprintln(stderr, "decide requires -proof")
		fs.Usage()
		return 2
	}

	body, err := json.Marshal(map[string]string{
		"kind":   *kind,
		"proof":  *proof,
		"reason": *reason,
	})
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}

	respBody, code, err := httpPost(http.DefaultClient, *addr+"/v1/proposals/"+fs.Arg(0)+"/decide", *token, body, nil)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if code != http.StatusOK {
		fmt.Fprintf(stderr, "decide failed: %s\n", strings.TrimSpace(string(respBody)))
		return 1
	}

	if *jsonOut {
		_, _ = stdout.Write(respBody)
		return 0
	}
	var payload struct {
		DecisionID string `json:"decision_id"`
		Seq        int64  `json:"seq"`
		Kind       string `json:"kind"`
		Digest     string `json:"digest"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		fmt.Fprintln(stderr, "invalid response:", err)
		return 1
	}
	fmt.Fprintf(stdout, "decision_id=%s seq=%d kind=%s digest=%s\n",
		payload.DecisionID, payload.Seq, payload.Kind, payload.Digest)
	return 0
}

func handleVerify(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", envOrDefault("TRIUMVIR_ADDR", defaultAddr), "Triumvir API address")
	token := fs.String("token", envOrDefault("TRIUMVIR_TOKEN", os.Getenv("TRIUMVIR_DEV_TOKEN")), "bearer token")
	jsonOut := fs.Bool("json", false, "print raw JSON response")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "verify requires <decision_id>")
		fs.Usage()
		return 2
	}

	respBody, code, err := httpGet(http.DefaultClient, *addr+"/v1/decisions/"+fs.Arg(0)+"/verify", *token)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if code != http.StatusOK {
		fmt.Fprintf(stderr, "verify failed: %s\n", strings.TrimSpace(string(respBody)))
		return 1
	}

	if *jsonOut {
		_, _ = stdout.Write(respBody)
		return 0
	}
	var payload struct {
		DecisionID  string   `json:"decision_id"`
		Status      string   `json:"status"`
		Repaired    []string `json:"repaired"`
		Missing     []string `json:"missing"`
		Unavailable []string `json:"unavailable"`
		IncidentID  string   `json:"incident_id"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		fmt.Fprintln(stderr, "invalid response:", err)
		return 1
	}

	fmt.Fprintf(stdout, "status=%s decision_id=%s\n", payload.Status, payload.DecisionID)
	if len(payload.Repaired) > 0 {
		fmt.Fprintf(stdout, "repaired=%s\n", strings.Join(payload.Repaired, ","))
	}
	if len(payload.Missing) > 0 {
		fmt.Fprintf(stdout, "missing=%s\n", strings.Join(payload.Missing, ","))
	}
	if len(payload.Unavailable) > 0 {
		fmt.Fprintf(stdout, "unavailable=%s\n", strings.Join(payload.Unavailable, ","))
	}
	if payload.IncidentID != "" {
		fmt.Fprintf(stdout, "incident_id=%s\n", payload.IncidentID)
	}

	switch payload.Status {
	case "consistent", "repaired":
		return 0
	}
	return 1
}

func handleStats(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", envOrDefault("TRIUMVIR_ADDR", defaultAddr), "Triumvir API address")
	token := fs.String("token", envOrDefault("TRIUMVIR_TOKEN", os.Getenv("TRIUMVIR_DEV_TOKEN")), "bearer token")
	jsonOut := fs.Bool("json", false, "print raw JSON response")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}

	respBody, code, err := httpGet(http.DefaultClient, *addr+"/v1/stats", *token)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if code != http.StatusOK {
		fmt.Fprintf(stderr, "stats failed: %s\n", strings.TrimSpace(string(respBody)))
		return 1
	}

	if *jsonOut {
		_, _ = stdout.Write(respBody)
		return 0
	}
	var payload struct {
		PendingCount   int    `json:"pending_count"`
		ApprovedCount  int    `json:"approved_count"`
		RejectedCount  int    `json:"rejected_count"`
		DecisionCount  int    `json:"decision_count"`
		IncidentCount  int    `json:"incident_count"`
		Lockdown       bool   `json:"lockdown"`
		LockdownReason string `json:"lockdown_reason"`
	}
	if err := json.Unmarshal(respBody, &payload); err != nil {
		fmt.Fprintln(stderr, "invalid response:", err)
		return 1
	}
	fmt.Fprintf(stdout, "pending=%d approved=%d rejected=%d decisions=%d incidents=%d lockdown=%t\n",
		payload.PendingCount, payload.ApprovedCount, payload.RejectedCount,
		payload.DecisionCount, payload.IncidentCount, payload.Lockdown)
	if payload.Lockdown {
		fmt.Fprintf(stdout, "lockdown_reason=%q\n", payload.LockdownReason)
	}
	return 0
}

func handleBundle(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("bundle", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", envOrDefault("TRIUMVIR_ADDR", defaultAddr), "Triumvir API address")
	token := fs.String("token", envOrDefault("TRIUMVIR_TOKEN", os.Getenv("TRIUMVIR_DEV_TOKEN")), "bearer token")
	outPath := fs.String("out", "triumvir-bundle.zip", "output zip path")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "bundle requires <decision_id>")
		fs.Usage()
		return 2
	}

	respBody, code, err := httpGet(http.DefaultClient, *addr+"/v1/decisions/"+fs.Arg(0)+"/bundle", *token)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if code != http.StatusOK {
		fmt.Fprintf(stderr, "bundle failed: %s\n", strings.TrimSpace(string(respBody)))
		return 1
	}

	if err := os.MkdirAll(filepath.Dir(*outPath), 0o750); err != nil && filepath.Dir(*outPath) != "." {
		fmt.Fprintln(stderr, "output dir:", err)
		return 1
	}
	if err := os.WriteFile(*outPath, respBody, 0o600); err != nil {
		fmt.Fprintln(stderr, "write output:", err)
		return 1
	}
	fmt.Fprintf(stdout, "wrote %s\n", *outPath)
	return 0
}

func handlePolicy(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	switch args[0] {
	case "lint":
		fs := flag.NewFlagSet("policy lint", flag.ContinueOnError)
		fs.SetOutput(stderr)
		if err := fs.Parse(args[1:]); err != nil {
			fs.Usage()
			return 2
		}
		if fs.NArg() != 1 {
			fmt.Fprintln(stderr, "policy lint requires <table_path>")
			fs.Usage()
			return 2
		}
		loaded, err := policy.LoadTable(fs.Arg(0))
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
		fmt.Fprintf(stdout, "ok table_id=%s table_hash=%s\n", loaded.Table.TableID, loaded.Hash)
		return 0
	default:
		usage(stderr)
		return 2
	}
}

func httpGet(client *http.Client, url string, token string) ([]byte, int, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func httpPost(client *http.Client, url string, token string, body []byte, headers map[string]string) ([]byte, int, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return respBody, resp.StatusCode, nil
}

func envOrDefault(key string, fallback string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return fallback
}

func usage(w io.Writer) {
	fmt.Fprint(w, `Triumvir CLI

Usage:
  triumvir submit -title T -category C -description D [-impact ...] [-security ...] [-changes changes.json] [--addr URL] [--token TOKEN]
  triumvir list [-status pending|approved|rejected] [-limit N] [--json]
  triumvir get <proposal_id> [--json]
  triumvir decide <proposal_id> -proof CODE [-kind approve|reject|emergency-override] [-reason ...]
  triumvir verify <decision_id> [--json]
  triumvir stats [--json]
  triumvir bundle <decision_id> --out triumvir-bundle.zip
  triumvir policy lint <table_path>
`)
}
