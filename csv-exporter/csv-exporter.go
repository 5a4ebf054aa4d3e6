package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"

	reg "github.com/aws-solutions/cloud-migration-factory-on-aws-sub001/pipeline-registry"
)

func main() {
	var (
		dynamoEndpoint = flag.String("dynamo-docapi-endpoint", "", "DynamoDB endpoint override (empty for default)")
		pipelineID     = flag.String("pipeline-id", "", "Filter by pipeline id (optional). If empty, export ALL pipelines via Scan")
		statusesCSV    = flag.String("status", "", "Comma-separated pipeline statuses to include (NotStarted,InProgress,Complete,Failed)")
		output         = flag.String("output", "export.csv", "Output CSV path")
	)
	flag.Parse()

	r, err := reg.New(*dynamoEndpoint)
	if err != nil {
		log.Fatalf("registry init: %v", err)
	}

	pipelines, err := selectPipelines(r, *pipelineID, split(*statusesCSV))
	if err != nil {
		log.Fatalf("list pipelines: %v", err)
	}

	var rows []row
	inputKeys := map[string]struct{}{}
	for _, p := range pipelines {
		tasks, err := r.GetTaskExecutionsForPipeline(p.PipelineID)
		if err != nil {
			log.Fatalf("list task executions of %s: %v", p.PipelineID, err)
		}
		for _, t := range tasks {
			rows = append(rows, row{pipeline: p, task: t})
			for k := range t.Inputs {
				inputKeys[k] = struct{}{}
			}
		}
	}

	metaCols := []string{
		"pipeline_id", "pipeline_name", "pipeline_status",
		"task_execution_id", "task_execution_name", "task_execution_status",
		"task_id", "task_version", "successor_count",
	}
	iCols := prefixedSorted(inputKeys, "input_")
	header := append(metaCols, iCols...)

	if err := writeCSV(*output, header, rows, iCols); err != nil {
		log.Fatalf("write csv: %v", err)
	}
	fmt.Printf("Wrote %d rows to %s\n", len(rows), *output)
}

type row struct {
	pipeline reg.Pipeline
	task     reg.TaskExecution
}

func selectPipelines(r *reg.PipelineRegistry, pipelineID string, statuses []string) ([]reg.Pipeline, error) {
	if pipelineID == "" {
		return r.ListPipelines(statuses)
	}
	p, err := r.GetPipeline(pipelineID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("pipeline %q not found", pipelineID)
	}
	return []reg.Pipeline{*p}, nil
}

func split(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func prefixedSorted(m map[string]struct{}, prefix string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, prefix+k)
	}
	sort.Strings(keys)
	return keys
}

func writeCSV(path string, header []string, rows []row, iCols []string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write(header); err != nil {
		return err
	}

	// Stripped keys (without prefixes) to look up in the input maps
	iKeys := make([]string, len(iCols))
	for i, c := range iCols {
		iKeys[i] = strings.TrimPrefix(c, "input_")
	}

	for _, r := range rows {
		record := []string{
			r.pipeline.PipelineID,
			r.pipeline.PipelineName,
			r.pipeline.Status,
			r.task.TaskExecutionID,
			r.task.TaskExecutionName,
			r.task.Status,
			r.task.TaskID,
			strconv.Itoa(r.task.TaskVersion),
			strconv.Itoa(len(r.task.Successors)),
		}
		for _, key := range iKeys {
			record = append(record, r.task.Inputs[key])
		}

		if err := w.Write(record); err != nil {
			return err
		}
	}

	return nil
}
