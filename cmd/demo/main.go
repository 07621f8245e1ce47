// Command demo runs a workflow end to end against scripted agents and prints
// the event feed. It exercises the full path a deployment uses: a JSON
// workflow document parsed and validated, a service with in-memory stores,
// and an event sink observing execution progress.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/hensulabs/hensu/runtime/agent"
	"github.com/hensulabs/hensu/runtime/service"
	"github.com/hensulabs/hensu/runtime/state/inmem"
	"github.com/hensulabs/hensu/runtime/stream"
	"github.com/hensulabs/hensu/runtime/workflow"
)

const workflowDoc = `{
  "id": "report",
  "version": "v1",
  "agents": {
    "writer": {"id": "writer"},
    "editor": {"id": "editor"}
  },
  "nodes": {
    "draft": {
      "nodeType": "STANDARD",
      "id": "draft",
      "agentId": "writer",
      "prompt": "Write a short report about {topic}.",
      "transitions": [
        {"type": "success", "target": "polish"}
      ]
    },
    "polish": {
      "nodeType": "STANDARD",
      "id": "polish",
      "agentId": "editor",
      "prompt": "Polish this draft: {draft}",
      "transitions": [
        {"type": "success", "target": "done"}
      ]
    },
    "done": {"nodeType": "END", "id": "done", "status": "SUCCESS"}
  },
  "startNode": "draft"
}`

// printSink mirrors every published event to stdout.
type printSink struct{}

func (printSink) Send(_ context.Context, ev stream.Event) error {
	fmt.Printf("[%s] %s\n", ev.Timestamp().Format(time.TimeOnly), ev.Type())
	return nil
}

func (printSink) Close(context.Context) error { return nil }

func main() {
	ctx := context.Background()

	agents := agent.NewRegistry()
	must(agents.Register("writer", agent.Func(
		func(_ context.Context, prompt string, _ map[string]any) (agent.Response, error) {
			return agent.Response{Text: "DRAFT: " + prompt}, nil
		}), agent.Options{}))
	must(agents.Register("editor", agent.Func(
		func(_ context.Context, prompt string, _ map[string]any) (agent.Response, error) {
			return agent.Response{Text: "FINAL: " + prompt}, nil
		}), agent.Options{}))

	wf, err := workflow.Parse([]byte(workflowDoc))
	must(err)

	svc := service.New(
		service.Deps{Agents: agents, Snapshots: inmem.NewSnapshotStore()},
		service.WithSchedulerEnabled(false),
		service.WithEventSink(printSink{}),
	)
	defer svc.Close()

	const tenant = "demo"
	must(svc.RegisterWorkflow(ctx, tenant, wf))

	execID, err := svc.StartExecution(ctx, tenant, "report", map[string]any{"topic": "orchestration"})
	must(err)
	fmt.Println("ExecutionID:", execID)

	for {
		status, err := svc.GetStatus(ctx, tenant, execID)
		if err == nil && status.Status != service.StatusRunning {
			fmt.Println("Status:", status.Status)
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}
