package queue_test

import (
	"context"
	"errors"
	"fmt"
	"time"

	queue "github.com/DoNewsCode/jobboard-queue"

	"github.com/DoNewsCode/core"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/oklog/run"
)

type FaultyMockData struct {
	Value string
}

type FaultyMockHandler struct {
	count int
}

func (m *FaultyMockHandler) Process(_ context.Context, job *queue.Job, _ queue.ProgressFunc) error {
	if m.count < 2 {
		fmt.Println("faulty")
		m.count++
		return errors.New("faulty")
	}
	var data FaultyMockData
	if err := job.Decode(&data); err != nil {
		return err
	}
	fmt.Println(data.Value)
	return nil
}

// bootstrapRetry is normally done when bootstrapping the framework. We mimic it here for demonstration.
func bootstrapRetry() *core.C {
	const sampleConfig = `{"log":{"level":"error"},"queue":{"default":{"driver":"inprocess","parallelism":1,"maxAttempts":3,"backoffBaseMillisecond":10}}}`

	c := core.New(
		core.WithConfigStack(rawbytes.Provider([]byte(sampleConfig)), json.Parser()),
	)

	// Add ConfProvider
	c.ProvideEssentials()
	c.Provide(queue.Providers())
	return c
}

// serve normally lives at serve command. We mimic it here for demonstration.
func serve(c *core.C, duration time.Duration) {
	var g run.Group

	c.ApplyRunGroup(&g)

	// cancel the run group after some time, so that the program ends. In real project, this is not necessary.
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()
	g.Add(func() error {
		<-ctx.Done()
		return nil
	}, func(err error) {
		cancel()
	})

	err := g.Run()
	if err != nil {
		panic(err)
	}
}

func Example_faulty() {
	c := bootstrapRetry()

	c.Invoke(func(maker queue.Maker) {
		q, err := maker.Make("default")
		if err != nil {
			panic(err)
		}

		// Subscribe
		q.Subscribe("greet", &FaultyMockHandler{})

		// Push a job
		_, _ = q.Push(context.Background(), "greet", FaultyMockData{Value: "hello world"})
	})

	serve(c, 2*time.Second)

	// Output:
	// faulty
	// faulty
	// hello world
}
