package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/dbadvisor/internal/auditlog"
	"github.com/mohammad-safakhou/dbadvisor/internal/plan"
)

func replayCMD() *cobra.Command {
	var resultsPath string
	cmd := &cobra.Command{
		Use:   "replay <plan-log>",
		Short: "Print per-entry summaries and differences from a plan log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var results []float64
			if resultsPath != "" {
				rdata, err := os.ReadFile(resultsPath)
				if err != nil {
					return err
				}
				if results, err = readResults(rdata); err != nil {
					return err
				}
			}
			return replay(data, results, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&resultsPath, "results", "", "optimization_result.json to pair with each plan")
	return cmd
}

// readPlans decodes either a JSON-lines plan log or a block log of
// "Plan Updated" snapshots.
func readPlans(data []byte) ([]*plan.Plan, error) {
	var (
		raws []json.RawMessage
		err  error
	)
	if isBlockLog(data) {
		raws, err = auditlog.ReadBlocks(bytes.NewReader(data), plan.UpdatedHeading)
	} else {
		raws, err = auditlog.ReadLines(bytes.NewReader(data))
	}
	if err != nil {
		return nil, err
	}
	plans := make([]*plan.Plan, 0, len(raws))
	for _, raw := range raws {
		p, err := plan.Decode(raw)
		if err != nil {
			continue
		}
		plans = append(plans, p)
	}
	return plans, nil
}

func isBlockLog(data []byte) bool {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		return strings.HasPrefix(line, "=== ")
	}
	return false
}

func readResults(data []byte) ([]float64, error) {
	raws, err := auditlog.ReadLines(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(raws))
	for _, raw := range raws {
		var line struct {
			Result float64 `json:"result"`
		}
		if err := json.Unmarshal(raw, &line); err != nil {
			continue
		}
		out = append(out, line.Result)
	}
	return out, nil
}

func replay(data []byte, results []float64, w io.Writer) error {
	plans, err := readPlans(data)
	if err != nil {
		return err
	}
	if len(plans) == 0 {
		return fmt.Errorf("no plans found")
	}
	var prev *plan.Plan
	for i, p := range plans {
		fmt.Fprintf(w, "#%d %s", i+1, p.Summary())
		if i < len(results) {
			if results[i] < 0 {
				fmt.Fprint(w, ", result: failed")
			} else {
				fmt.Fprintf(w, ", result: %.4f", results[i])
			}
		}
		fmt.Fprintln(w)
		fmt.Fprint(w, plan.Compare(prev, p).String())
		prev = p
	}
	return nil
}
