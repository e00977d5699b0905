package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/revoagent/orchestrator/internal/metrics"
	"github.com/revoagent/orchestrator/internal/taskqueue"
	"github.com/revoagent/orchestrator/internal/workflow"
)

// runWorkflow executes an enterprise request as a decomposed task graph on the
// shared queue instead of calling engines directly. Recall still runs first,
// advisory as everywhere else, and its response joins the synthesis.
func (c *Coordinator) runWorkflow(ctx context.Context, req *CoordinatedRequest, result *CoordinatedResult) error {
	if _, ok := c.engines[EngineRecall]; ok {
		resp, err := c.invoke(ctx, EngineRecall, req, nil)
		if resp != nil {
			result.Responses[EngineRecall] = *resp
		}
		if err != nil {
			c.logger.Warn("Advisory recall failed, proceeding without context",
				zap.String("request_id", req.ID), zap.Error(err))
		}
	}

	wf, reduceID, err := decompose(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrRequiredEngineFailure, EngineWorkflow, err)
	}

	start := time.Now()
	run, err := c.workflows.Start(ctx, wf)
	if err == nil {
		var res *workflow.Result
		res, err = run.Wait(ctx)
		if err == nil && res.Status != workflow.StatusCompleted {
			err = fmt.Errorf("workflow %s %s: %v", wf.ID, res.Status, res.NodeErrors)
		} else if err == nil {
			result.Responses[EngineWorkflow] = EngineResponse{
				Engine:     EngineWorkflow,
				Result:     res.NodeResults[reduceID],
				Confidence: 0.75,
				Elapsed:    time.Since(start),
			}
		}
	}
	elapsed := time.Since(start)
	metrics.EngineDuration.WithLabelValues(string(EngineWorkflow)).Observe(elapsed.Seconds())
	if err != nil {
		metrics.EngineRequests.WithLabelValues(string(EngineWorkflow), "error").Inc()
		result.Responses[EngineWorkflow] = EngineResponse{
			Engine: EngineWorkflow, Elapsed: elapsed, Error: err.Error(),
		}
		return fmt.Errorf("%w: %s: %v", ErrRequiredEngineFailure, EngineWorkflow, err)
	}
	metrics.EngineRequests.WithLabelValues(string(EngineWorkflow), "ok").Inc()
	return nil
}

// decompose builds a map-reduce graph from the request: one analysis node per
// constraint (or a single one when the request carries none) fanned into a
// synthesis node. The workflow shares the request's ID so Cancel propagates
// to queued node tasks.
func decompose(req *CoordinatedRequest) (*workflow.Workflow, string, error) {
	constraints := req.Constraints
	if len(constraints) == 0 {
		constraints = []string{""}
	}
	maps := make([]*workflow.Node, 0, len(constraints))
	for i, constraint := range constraints {
		payload, err := json.Marshal(map[string]string{
			"request_id":  req.ID,
			"description": req.Description,
			"constraint":  constraint,
		})
		if err != nil {
			return nil, "", err
		}
		maps = append(maps, &workflow.Node{
			ID:       fmt.Sprintf("analyze-%d", i),
			Type:     "analyze",
			Payload:  payload,
			Priority: taskqueue.PriorityHigh,
		})
	}
	reduce := &workflow.Node{
		ID:       "synthesize",
		Type:     "synthesize",
		Priority: taskqueue.PriorityHigh,
	}
	wf, err := workflow.MapReduce(req.ID, maps, reduce)
	if err != nil {
		return nil, "", err
	}
	return wf, reduce.ID, nil
}
