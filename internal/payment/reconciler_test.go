package payment_test

import (
	"context"
	"errors"

	"github.com/natalcast/report-pipeline/internal/payment"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("reconciler", func() {
	var (
		gateway    *payment.MemoryGateway
		reconciler *payment.Reconciler
		ctx        context.Context
	)

	BeforeEach(func() {
		gateway = payment.NewMemoryGateway()
		reconciler = payment.NewReconciler(gateway)
		ctx = context.TODO()
	})

	Context("capture", func() {
		It("captures an authorized intent once", func() {
			gateway.Authorize("pi_1", 1500)

			out, err := reconciler.Capture(ctx, "pi_1")
			Expect(err).To(BeNil())
			Expect(out.Action).To(Equal(payment.ActionCaptured))
			Expect(out.AlreadyDone).To(BeFalse())

			out, err = reconciler.Capture(ctx, "pi_1")
			Expect(err).To(BeNil())
			Expect(out.AlreadyDone).To(BeTrue())
			Expect(gateway.Calls(payment.OpCapture)).To(Equal(1))

			pi, _ := gateway.Intent("pi_1")
			Expect(pi.Status).To(Equal(payment.IntentSucceeded))
		})

		It("refuses to capture a cancelled intent", func() {
			gateway.SetStatus("pi_1", payment.IntentCanceled)

			_, err := reconciler.Capture(ctx, "pi_1")
			Expect(errors.Is(err, payment.ErrNotCapturable)).To(BeTrue())
			Expect(gateway.Calls(payment.OpCapture)).To(BeZero())
		})
	})

	Context("cancel if uncaptured", func() {
		It("cancels an authorized intent and tolerates a second call", func() {
			gateway.Authorize("pi_1", 1500)

			out, err := reconciler.CancelIfUncaptured(ctx, "pi_1")
			Expect(err).To(BeNil())
			Expect(out.Action).To(Equal(payment.ActionCancelled))
			Expect(out.AlreadyDone).To(BeFalse())

			out, err = reconciler.CancelIfUncaptured(ctx, "pi_1")
			Expect(err).To(BeNil())
			Expect(out.Action).To(Equal(payment.ActionCancelled))
			Expect(out.AlreadyDone).To(BeTrue())
			Expect(gateway.Calls(payment.OpCancel)).To(Equal(1))
		})

		It("leaves a captured intent to the refund path", func() {
			gateway.SetStatus("pi_1", payment.IntentSucceeded)

			out, err := reconciler.CancelIfUncaptured(ctx, "pi_1")
			Expect(err).To(BeNil())
			Expect(out.Action).To(Equal(payment.ActionNone))
			Expect(gateway.Calls(payment.OpCancel)).To(BeZero())
		})
	})

	Context("refund if captured", func() {
		It("refunds the captured charge and reads the refund back afterwards", func() {
			gateway.SetStatus("pi_1", payment.IntentSucceeded)

			out, err := reconciler.RefundIfCaptured(ctx, "pi_1")
			Expect(err).To(BeNil())
			Expect(out.Action).To(Equal(payment.ActionRefunded))
			Expect(out.RefundID).NotTo(BeEmpty())

			again, err := reconciler.RefundIfCaptured(ctx, "pi_1")
			Expect(err).To(BeNil())
			Expect(again.AlreadyDone).To(BeTrue())
			Expect(again.RefundID).To(Equal(out.RefundID))
			Expect(gateway.Calls(payment.OpRefund)).To(Equal(1))
		})

		It("does nothing when there is no captured charge", func() {
			gateway.Authorize("pi_1", 1500)

			out, err := reconciler.RefundIfCaptured(ctx, "pi_1")
			Expect(err).To(BeNil())
			Expect(out.Action).To(Equal(payment.ActionNone))
			Expect(gateway.Calls(payment.OpRefund)).To(BeZero())
		})
	})

	Context("unwind", func() {
		It("cancels an uncaptured intent without refunding", func() {
			gateway.Authorize("pi_1", 1500)

			out, err := reconciler.Unwind(ctx, "pi_1")
			Expect(err).To(BeNil())
			Expect(out.Action).To(Equal(payment.ActionCancelled))
			Expect(gateway.Calls(payment.OpCancel)).To(Equal(1))
			Expect(gateway.Calls(payment.OpRefund)).To(BeZero())
		})

		It("refunds a captured intent without cancelling", func() {
			gateway.SetStatus("pi_1", payment.IntentSucceeded)

			out, err := reconciler.Unwind(ctx, "pi_1")
			Expect(err).To(BeNil())
			Expect(out.Action).To(Equal(payment.ActionRefunded))
			Expect(gateway.Calls(payment.OpCancel)).To(BeZero())
			Expect(gateway.Calls(payment.OpRefund)).To(Equal(1))
		})

		It("surfaces processor outages", func() {
			gateway.Authorize("pi_1", 1500)
			gateway.FailNext(payment.OpRetrieve, errors.New("connection reset"))

			_, err := reconciler.Unwind(ctx, "pi_1")
			Expect(err).To(MatchError(ContainSubstring("connection reset")))
		})
	})
})
