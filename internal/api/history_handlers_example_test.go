package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	memstorage "github.com/JakeFAU/opwatch/internal/storage/memory"
)

// ExampleHistoryHandler_ListRuns shows how to serve the /v1/history endpoint.
func ExampleHistoryHandler_ListRuns() {
	repo := memstorage.NewOperationStore()
	monitorID := uuid.MustParse("00000000-0000-0000-0000-0000000000aa")
	if err := repo.UpsertRunStart(context.Background(), monitorID, "42", time.Unix(0, 0).UTC()); err != nil {
		panic(err)
	}
	handler := NewHistoryHandler(repo, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/history?limit=1", nil)
	rec := httptest.NewRecorder()
	handler.ListRuns(rec, req)

	var payload struct {
		Runs []map[string]any `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		panic(err)
	}
	fmt.Printf("returned runs: %d, request %v\n", len(payload.Runs), payload.Runs[0]["request_id"])
	// Output:
	// returned runs: 1, request 42
}
