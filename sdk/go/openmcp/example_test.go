package openmcp_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"OpenMCP-Agent/sdk/go/openmcp"
)

func ExampleClient_WaitForTask() {
	polls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/tasks", func(w http.ResponseWriter, r *http.Request) {
		var sub openmcp.TaskSubmission
		_ = json.NewDecoder(r.Body).Decode(&sub)
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(openmcp.Task{ID: "task-demo", Goal: sub.Goal, Mode: "dynamic", Status: openmcp.StatusPending})
	})
	mux.HandleFunc("GET /api/v1/tasks/task-demo", func(w http.ResponseWriter, _ *http.Request) {
		polls++
		task := openmcp.Task{ID: "task-demo", Mode: "dynamic", Status: openmcp.StatusRunning}
		if polls > 1 {
			task.Status = openmcp.StatusSucceeded
			task.Result = &openmcp.TaskResult{State: "DONE", FinalAnswer: "make install", Iterations: 4}
		}
		_ = json.NewEncoder(w).Encode(task)
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := openmcp.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	submitted, err := client.SubmitTask(ctx, openmcp.TaskSubmission{Goal: "find the install command"})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted %s (%s)\n", submitted.ID, submitted.Status)

	done, err := client.WaitForTask(ctx, submitted.ID, 10*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("%s: %s\n", done.Status, done.Result.FinalAnswer)
	// Output:
	// submitted task-demo (pending)
	// succeeded: make install
}
