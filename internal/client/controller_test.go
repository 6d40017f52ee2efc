package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/natalcast/report-pipeline/api/v1alpha1"
	"github.com/natalcast/report-pipeline/internal/client"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type scriptedReply struct {
	reply *v1alpha1.ReportReply
	err   error
	// gate, when set, holds the answer until it is closed
	gate chan struct{}
}

// fakeAPI answers from per call scripts; the last script entry repeats.
type fakeAPI struct {
	mu       sync.Mutex
	submits  []scriptedReply
	polls    []scriptedReply
	forms    []v1alpha1.ReportCreate
	getCalls int
}

func (f *fakeAPI) Submit(_ context.Context, form v1alpha1.ReportCreate) (*v1alpha1.ReportReply, error) {
	f.mu.Lock()
	f.forms = append(f.forms, form)
	next := pick(f.submits, len(f.forms)-1)
	f.mu.Unlock()
	if next.gate != nil {
		<-next.gate
	}
	return next.reply, next.err
}

func (f *fakeAPI) GetReport(_ context.Context, _ string) (*v1alpha1.ReportReply, error) {
	f.mu.Lock()
	f.getCalls++
	next := pick(f.polls, f.getCalls-1)
	f.mu.Unlock()
	if next.gate != nil {
		<-next.gate
	}
	return next.reply, next.err
}

func (f *fakeAPI) GetCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls
}

func (f *fakeAPI) Forms() []v1alpha1.ReportCreate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]v1alpha1.ReportCreate{}, f.forms...)
}

func pick(script []scriptedReply, i int) scriptedReply {
	if i >= len(script) {
		i = len(script) - 1
	}
	return script[i]
}

func ptr[T any](v T) *T {
	return &v
}

func processing(reportID string) scriptedReply {
	return scriptedReply{reply: &v1alpha1.ReportReply{Ok: true, Data: &v1alpha1.ReportData{
		Status: v1alpha1.ReportStatusProcessing, ReportId: reportID,
	}}}
}

func completed(reportID string) scriptedReply {
	content := json.RawMessage(`{"title":"Natal Chart"}`)
	return scriptedReply{reply: &v1alpha1.ReportReply{Ok: true, Data: &v1alpha1.ReportData{
		Status: v1alpha1.ReportStatusCompleted, ReportId: reportID, Content: &content,
	}}}
}

func failed(reportID, code string) scriptedReply {
	return scriptedReply{reply: &v1alpha1.ReportReply{
		Ok:        false,
		Data:      &v1alpha1.ReportData{Status: v1alpha1.ReportStatusFailed, ReportId: reportID},
		Error:     ptr("upstream timeout"),
		ErrorCode: ptr(code),
		Notice:    ptr("Any charge for this report will be cancelled or refunded automatically."),
	}}
}

var _ = Describe("generation controller", func() {
	var (
		ctx    context.Context
		api    *fakeAPI
		ctrl   *client.Controller
		states []client.State
		mu     sync.Mutex
		input  json.RawMessage
	)

	seen := func() []client.State {
		mu.Lock()
		defer mu.Unlock()
		return append([]client.State{}, states...)
	}

	BeforeEach(func() {
		ctx = context.Background()
		api = &fakeAPI{}
		states = nil
		input = json.RawMessage(`{"person":{"name":"Ada","birthDate":"1990-03-25"}}`)
		ctrl = client.NewController(api, client.WithPollInterval(5*time.Millisecond), client.WithMaxPollAttempts(3))
		ctrl.OnStateChange(func(s client.Snapshot) {
			mu.Lock()
			defer mu.Unlock()
			states = append(states, s.State)
		})
	})

	It("starts idle", func() {
		Expect(ctrl.Snapshot().State).To(Equal(client.StateIdle))
	})

	It("goes straight to completed on a synchronous answer", func() {
		api.submits = []scriptedReply{completed("r-1")}

		id := ctrl.Start(ctx, "natal-chart", input, client.StartOptions{PaymentIntentID: "pi_1"})
		snap, err := ctrl.Wait(ctx)
		Expect(err).To(BeNil())

		Expect(snap.AttemptID).To(Equal(id))
		Expect(snap.State).To(Equal(client.StateCompleted))
		Expect(snap.ReportID).To(Equal("r-1"))
		Expect(string(snap.Content)).To(MatchJSON(`{"title":"Natal Chart"}`))
		Expect(seen()).To(Equal([]client.State{client.StateVerifying, client.StateCompleted}))
		Expect(*api.Forms()[0].PaymentIntentId).To(Equal("pi_1"))
		Expect(api.Forms()[0].SessionId).To(BeNil())
	})

	It("polls a processing job until it completes", func() {
		api.submits = []scriptedReply{processing("r-2")}
		api.polls = []scriptedReply{processing("r-2"), completed("r-2")}

		ctrl.Start(ctx, "natal-chart", input, client.StartOptions{})
		snap, err := ctrl.Wait(ctx)
		Expect(err).To(BeNil())

		Expect(snap.State).To(Equal(client.StateCompleted))
		Expect(snap.Polls).To(Equal(2))
		Expect(seen()).To(Equal([]client.State{client.StateVerifying, client.StatePolling, client.StateCompleted}))
	})

	It("times out after the maximum number of polls", func() {
		api.submits = []scriptedReply{processing("r-3")}
		api.polls = []scriptedReply{processing("r-3")}

		ctrl.Start(ctx, "natal-chart", input, client.StartOptions{})
		snap, err := ctrl.Wait(ctx)
		Expect(err).To(BeNil())

		Expect(snap.State).To(Equal(client.StateTimeout))
		Expect(snap.ReportID).To(Equal("r-3"))
		Expect(api.GetCalls()).To(Equal(3))
	})

	It("keeps polling through read errors", func() {
		api.submits = []scriptedReply{processing("r-4")}
		api.polls = []scriptedReply{{err: errors.New("connection reset")}, completed("r-4")}

		ctrl.Start(ctx, "natal-chart", input, client.StartOptions{})
		snap, err := ctrl.Wait(ctx)
		Expect(err).To(BeNil())
		Expect(snap.State).To(Equal(client.StateCompleted))
	})

	It("surfaces a server failure with its code and notice", func() {
		api.submits = []scriptedReply{failed("r-5", "GENERATION_ERROR")}

		ctrl.Start(ctx, "natal-chart", input, client.StartOptions{})
		snap, err := ctrl.Wait(ctx)
		Expect(err).To(BeNil())

		Expect(snap.State).To(Equal(client.StateFailed))
		Expect(snap.ErrorCode).To(Equal("GENERATION_ERROR"))
		Expect(snap.ReportID).To(Equal("r-5"))
		Expect(snap.Notice).NotTo(BeEmpty())
	})

	It("fails locally when the submission cannot be sent", func() {
		api.submits = []scriptedReply{{err: errors.New("dial tcp: connection refused")}}

		ctrl.Start(ctx, "natal-chart", input, client.StartOptions{})
		snap, err := ctrl.Wait(ctx)
		Expect(err).To(BeNil())
		Expect(snap.State).To(Equal(client.StateFailed))
		Expect(snap.ErrorCode).To(Equal(client.CodeClientError))
	})

	It("drops answers that arrive for a replaced attempt", func() {
		gate := make(chan struct{})
		api.submits = []scriptedReply{
			{reply: completed("stale").reply, gate: gate},
			completed("fresh"),
		}

		first := ctrl.Start(ctx, "natal-chart", input, client.StartOptions{})
		Eventually(func() int { return len(api.Forms()) }).Should(Equal(1))

		second := ctrl.Start(ctx, "natal-chart", input, client.StartOptions{})
		Expect(second).NotTo(Equal(first))
		snap, err := ctrl.Wait(ctx)
		Expect(err).To(BeNil())
		Expect(snap.ReportID).To(Equal("fresh"))

		close(gate)
		Consistently(func() string { return ctrl.Snapshot().ReportID }, 50*time.Millisecond).Should(Equal("fresh"))
		Expect(ctrl.Snapshot().AttemptID).To(Equal(second))
	})

	It("cancels locally and stops polling", func() {
		api.submits = []scriptedReply{processing("r-6")}
		api.polls = []scriptedReply{processing("r-6")}
		ctrl = client.NewController(api, client.WithPollInterval(20*time.Millisecond), client.WithMaxPollAttempts(1000))

		ctrl.Start(ctx, "natal-chart", input, client.StartOptions{})
		Eventually(func() client.State { return ctrl.Snapshot().State }).Should(Equal(client.StatePolling))

		ctrl.Cancel()
		Expect(ctrl.Snapshot().State).To(Equal(client.StateIdle))
		Expect(ctrl.Snapshot().AttemptID).To(BeEmpty())

		calls := api.GetCalls()
		Consistently(api.GetCalls, 100*time.Millisecond).Should(BeNumerically("<=", calls+1))
		Expect(ctrl.Snapshot().State).To(Equal(client.StateIdle))
	})

	It("retries with a fresh attempt and the same request", func() {
		api.submits = []scriptedReply{failed("r-7", "STORAGE_ERROR"), completed("r-7")}

		first := ctrl.Start(ctx, "natal-chart", input, client.StartOptions{SessionID: "cs_1"})
		_, err := ctrl.Wait(ctx)
		Expect(err).To(BeNil())
		Expect(ctrl.Snapshot().State).To(Equal(client.StateFailed))

		second, err := ctrl.Retry(ctx)
		Expect(err).To(BeNil())
		Expect(second).NotTo(Equal(first))
		snap, err := ctrl.Wait(ctx)
		Expect(err).To(BeNil())
		Expect(snap.State).To(Equal(client.StateCompleted))

		forms := api.Forms()
		Expect(forms).To(HaveLen(2))
		Expect(forms[1]).To(Equal(forms[0]))
	})

	It("refuses to retry before anything was started", func() {
		_, err := ctrl.Retry(ctx)
		Expect(err).To(MatchError(client.ErrNothingToRetry))
	})

	It("resumes a job that completed after the client gave up", func() {
		api.polls = []scriptedReply{completed("r-8")}

		ctrl.Resume(ctx, "r-8")
		snap, err := ctrl.Wait(ctx)
		Expect(err).To(BeNil())
		Expect(snap.State).To(Equal(client.StateCompleted))
		Expect(snap.Polls).To(Equal(1))
		Expect(api.Forms()).To(BeEmpty())
	})
})

var _ = Describe("state change delivery", func() {
	It("never delivers a replaced attempt's snapshot after its successor announced itself", func() {
		gate := make(chan struct{})
		DeferCleanup(func() { close(gate) })
		ctx, cancel := context.WithCancel(context.Background())
		DeferCleanup(cancel)
		api := &fakeAPI{submits: []scriptedReply{completed("r-old"), {reply: processing("r-new").reply, gate: gate}}}
		ctrl := client.NewController(api)

		var (
			mu        sync.Mutex
			delivered []client.Snapshot
		)
		entered := make(chan struct{})
		hold := make(chan struct{})
		// holds the first attempt's completion in the middle of its delivery
		ctrl.OnStateChange(func(s client.Snapshot) {
			if s.State == client.StateCompleted {
				close(entered)
				<-hold
			}
		})
		ctrl.OnStateChange(func(s client.Snapshot) {
			mu.Lock()
			defer mu.Unlock()
			delivered = append(delivered, s)
		})
		seen := func() []client.Snapshot {
			mu.Lock()
			defer mu.Unlock()
			return append([]client.Snapshot{}, delivered...)
		}

		input := json.RawMessage(`{"person":{"name":"Ada","birthDate":"1990-03-25"}}`)
		first := ctrl.Start(ctx, "natal-chart", input, client.StartOptions{})
		Eventually(entered).Should(BeClosed())

		second := make(chan string, 1)
		go func() {
			second <- ctrl.Start(ctx, "natal-chart", input, client.StartOptions{})
		}()
		Consistently(seen, 100*time.Millisecond).Should(HaveLen(1))

		close(hold)
		var next string
		Eventually(second).Should(Receive(&next))
		Eventually(seen).Should(HaveLen(3))

		got := seen()
		Expect(got[0].AttemptID).To(Equal(first))
		Expect(got[0].State).To(Equal(client.StateVerifying))
		Expect(got[1].AttemptID).To(Equal(first))
		Expect(got[1].State).To(Equal(client.StateCompleted))
		Expect(got[2].AttemptID).To(Equal(next))
		Expect(got[2].State).To(Equal(client.StateVerifying))
		Expect(ctrl.Snapshot().AttemptID).To(Equal(next))
	})
})
