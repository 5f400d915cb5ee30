package sync_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/steveyegge/tasksync/internal/remote"
	"github.com/steveyegge/tasksync/internal/schema"
	"github.com/steveyegge/tasksync/internal/store"
	"github.com/steveyegge/tasksync/internal/sync"
)

// This example pushes a local commit to an in-memory backend.
func ExampleEngine_Drain() {
	st := store.New(nil)
	backend := remote.NewMemory()

	config := sync.DefaultConfig()
	config.Logger = log.New(io.Discard, "", 0)

	engine, err := sync.New(st, backend, "user-1", config)
	if err != nil {
		log.Fatal(err)
	}
	engine.Start()
	defer engine.Stop()

	if _, err := st.Set("task-1", schema.Patch{
		UserID: schema.Ptr("user-1"),
		Text:   schema.Ptr("Buy milk"),
	}); err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := engine.Drain(ctx); err != nil {
		log.Fatal(err)
	}

	row, _ := backend.Row("task-1")
	fmt.Println(row.Text)
	// Output: Buy milk
}

// This example shows last-writer-wins resolution.
func ExampleResolve() {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	local := schema.TaskRecord{ID: "a", UserID: "u", Text: "local", CreatedAt: base, UpdatedAt: base}
	theirs := local
	theirs.Text = "remote"
	theirs.UpdatedAt = base.Add(time.Second)

	winner, remoteWon := sync.Resolve(local, theirs)
	fmt.Println(winner.Text, remoteWon)
	// Output: remote true
}
