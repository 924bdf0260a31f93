// Command exampleworker is a minimal reference worker: it registers a
// handful of native sample tasks (add, range, less_than), claims
// itself into the trusted/cpu.small pool, and consumes that pool's
// Redis Stream exactly as §6's queue+callback protocol describes,
// executing each task locally and calling back into the orchestrator's
// HTTP API. It exists only to exercise C7's dispatch protocol
// end-to-end; it is explicitly NOT "the worker host" §1 scopes out —
// a real deployment loads task libraries dynamically in a separate
// process this repo never implements.
//
// Grounded on the teacher's cmd/workflow-runner/worker/http_worker.go
// for the consume/execute/callback/ack loop shape.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lyzr/flowengine/cmd/exampleworker/tasks"
	"github.com/lyzr/flowengine/internal/bootstrap"
	"github.com/lyzr/flowengine/internal/dispatch"
	"github.com/lyzr/flowengine/internal/obslog"
	"github.com/lyzr/flowengine/internal/registry"
	"github.com/lyzr/flowengine/internal/value"
)

const (
	pool          = "trusted"
	resourceClass = "cpu.small"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := bootstrap.Setup(ctx, "exampleworker", bootstrap.WithoutDB())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to bootstrap exampleworker: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(context.Background())

	orchestratorURL := getEnv("ORCHESTRATOR_URL", "http://localhost:8080")
	workerID := "worker_" + uuid.NewString()[:8]

	w := &worker{
		id:  workerID,
		log: components.Logger.WithRun("exampleworker"),
		rdb: components.Redis,
		hc:  &http.Client{Timeout: 10 * time.Second},
		url: orchestratorURL,
	}

	if err := w.registerTasks(ctx); err != nil {
		w.log.Error("task registration failed", "error", err)
		os.Exit(1)
	}
	if err := w.register(ctx); err != nil {
		w.log.Error("worker registration failed", "error", err)
		os.Exit(1)
	}

	stream := dispatch.StreamKey(pool, resourceClass)
	group := dispatch.ConsumerGroup(pool, resourceClass)
	if err := w.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil && !isBusyGroup(err) {
		w.log.Error("create consumer group failed", "error", err)
		os.Exit(1)
	}

	w.log.Info("exampleworker consuming", "stream", stream, "group", group, "consumer", workerID)
	w.consume(ctx, stream, group)
}

type worker struct {
	id  string
	log *obslog.Logger
	rdb *redis.Client
	hc  *http.Client
	url string
}

func isBusyGroup(err error) bool {
	return err != nil && bytes.Contains([]byte(err.Error()), []byte("BUSYGROUP"))
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// registerTasks uploads a manifest + placeholder artifact for every
// sample task in tasks.Registry.
func (w *worker) registerTasks(ctx context.Context) error {
	manifests := map[string]registry.Manifest{
		"add": {
			TaskKind: registry.KindSingle, Runtime: registry.RuntimeNative, Trust: registry.TrustTrusted,
			ResourceClass: resourceClass, InputArity: 2, OutputArity: 1, ABIVersion: "1",
		},
		"less_than": {
			TaskKind: registry.KindSingle, Runtime: registry.RuntimeNative, Trust: registry.TrustTrusted,
			ResourceClass: resourceClass, InputArity: 2, OutputArity: 1, ABIVersion: "1",
		},
		"range": {
			TaskKind: registry.KindStream, Runtime: registry.RuntimeNative, Trust: registry.TrustTrusted,
			ResourceClass: resourceClass, InputArity: 2, OutputArity: 1, ABIVersion: "1",
		},
	}
	for taskID, manifest := range manifests {
		if err := w.uploadTask(ctx, taskID, "1", manifest); err != nil {
			return fmt.Errorf("upload %s: %w", taskID, err)
		}
	}
	return nil
}

func (w *worker) uploadTask(ctx context.Context, taskID, version string, manifest registry.Manifest) error {
	envelope, err := json.Marshal(struct {
		TaskID   string            `json:"task_id"`
		Version  string            `json:"version"`
		Manifest registry.Manifest `json:"manifest"`
	}{TaskID: taskID, Version: version, Manifest: manifest})
	if err != nil {
		return err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("manifest", string(envelope)); err != nil {
		return err
	}
	part, err := mw.CreateFormFile("artifact", taskID+".tar.zst")
	if err != nil {
		return err
	}
	if _, err := part.Write([]byte("exampleworker:" + taskID)); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url+"/tasks/upload", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return w.doOK(req)
}

func (w *worker) register(ctx context.Context) error {
	payload, err := json.Marshal(struct {
		WorkerID      string `json:"worker_id"`
		ResourceClass string `json:"resource_class"`
		Pool          string `json:"pool"`
	}{WorkerID: w.id, ResourceClass: resourceClass, Pool: pool})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url+"/workers/register", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return w.doOK(req)
}

func (w *worker) doOK(req *http.Request) error {
	resp, err := w.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: %d: %s", req.Method, req.URL.Path, resp.StatusCode, string(b))
	}
	return nil
}

// consume loops XReadGroup/handle/XAck exactly as §6's "consumer
// groups, per-message id, explicit ack on completion; redeliverable on
// worker crash" describes.
func (w *worker) consume(ctx context.Context, stream, group string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := w.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group: group, Consumer: w.id,
			Streams: []string{stream, ">"},
			Count:   10, Block: 2 * time.Second,
		}).Result()
		if err != nil {
			if err != redis.Nil && ctx.Err() == nil {
				w.log.Error("read group failed", "error", err)
				time.Sleep(time.Second)
			}
			continue
		}

		for _, s := range res {
			for _, m := range s.Messages {
				w.handle(ctx, stream, group, m)
			}
		}
	}
}

func (w *worker) handle(ctx context.Context, stream, group string, m redis.XMessage) {
	raw, _ := m.Values["message"].(string)
	var msg dispatch.Message
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		w.log.Error("malformed message", "error", err, "id", m.ID)
		w.rdb.XAck(ctx, stream, group, m.ID)
		return
	}
	log := w.log.WithRun(msg.RunID).WithOp(msg.OpID).WithCtx(msg.CtxID)

	if err := w.reportStart(ctx, msg); err != nil {
		log.Error("report node start failed", "error", err)
	}

	fn, ok := tasks.Registry[msg.TaskID]
	if !ok {
		w.reportComplete(ctx, msg, false, value.Value{}, fmt.Sprintf("unknown task %s", msg.TaskID))
		w.rdb.XAck(ctx, stream, group, m.ID)
		return
	}

	inputs, err := decodeInputs(msg)
	if err != nil {
		w.reportComplete(ctx, msg, false, value.Value{}, err.Error())
		w.rdb.XAck(ctx, stream, group, m.ID)
		return
	}

	output, err := fn(inputs)
	if err != nil {
		w.reportComplete(ctx, msg, false, value.Value{}, err.Error())
	} else {
		w.reportComplete(ctx, msg, true, output, "")
	}
	w.rdb.XAck(ctx, stream, group, m.ID)
}

// decodeInputs unpacks the dispatcher's single packed Value (§4.8's
// pack step) back into positional inputs for a local task.Func.
// cmd/exampleworker only handles inline-staged inputs: the separate
// durable blob store §1 scopes out has no shared reference both
// processes can reach.
func decodeInputs(msg dispatch.Message) ([]value.Value, error) {
	if len(msg.InputRefs) > 0 {
		return nil, fmt.Errorf("exampleworker: blob-staged inputs are not supported by the reference worker")
	}
	var packed value.Value
	if len(msg.InlineValues) == 0 {
		return nil, nil
	}
	if err := packed.UnmarshalBinary(msg.InlineValues); err != nil {
		return nil, fmt.Errorf("decode inputs: %w", err)
	}
	if packed.Tag == value.TagArray {
		arr, _ := packed.AsArray()
		return arr, nil
	}
	if packed.Tag == value.TagUnit {
		return nil, nil
	}
	return []value.Value{packed}, nil
}

func (w *worker) reportStart(ctx context.Context, msg dispatch.Message) error {
	payload, _ := json.Marshal(struct {
		OpID    int   `json:"op_id"`
		CtxID   int64 `json:"ctx_id"`
		LeaseMS int64 `json:"lease_ms"`
	}{OpID: msg.OpID, CtxID: msg.CtxID, LeaseMS: msg.LeaseMS})
	url := fmt.Sprintf("%s/runs/%s/nodes/start", w.url, msg.RunID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return w.doOK(req)
}

func (w *worker) reportComplete(ctx context.Context, msg dispatch.Message, success bool, output value.Value, workerErr string) {
	body := struct {
		OpID       int             `json:"op_id"`
		CtxID      int64           `json:"ctx_id"`
		Success    bool            `json:"success"`
		OutputJSON json.RawMessage `json:"output_json,omitempty"`
		Error      string          `json:"error,omitempty"`
	}{OpID: msg.OpID, CtxID: msg.CtxID, Success: success, Error: workerErr}

	if success {
		data, err := output.MarshalBinary()
		if err != nil {
			body.Success = false
			body.Error = fmt.Sprintf("marshal output: %v", err)
		} else {
			body.OutputJSON = data
		}
	}

	payload, _ := json.Marshal(body)
	url := fmt.Sprintf("%s/runs/%s/nodes/complete", w.url, msg.RunID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		w.log.Error("build complete request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if err := w.doOK(req); err != nil {
		w.log.Error("report node complete failed", "error", err)
	}
}
