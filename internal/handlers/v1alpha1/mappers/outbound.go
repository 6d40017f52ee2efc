package mappers

import (
	"net/http"

	"github.com/go-chi/render"
	"github.com/natalcast/report-pipeline/api/v1alpha1"
	"github.com/natalcast/report-pipeline/internal/service"
	"github.com/natalcast/report-pipeline/internal/store/model"
	"github.com/natalcast/report-pipeline/pkg/requestid"
)

// StatusCode maps an error code to the HTTP status it is answered with.
func StatusCode(code service.ErrorCode) int {
	switch code {
	case service.CodeValidation:
		return http.StatusBadRequest
	case service.CodePaymentRequired:
		return http.StatusPaymentRequired
	case service.CodeNotFound:
		return http.StatusNotFound
	case service.CodeStorage:
		return http.StatusServiceUnavailable
	case service.CodeGeneration, service.CodePaymentReconciliation:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func ResultToApi(result *service.Result) (int, v1alpha1.ReportReply) {
	data := &v1alpha1.ReportData{
		Status:   v1alpha1.StringToReportStatus(string(result.Status)),
		ReportId: result.ReportID,
	}

	switch result.Status {
	case model.JobStatusCompleted:
		if len(result.Content) > 0 {
			content := result.Content
			data.Content = &content
		}
		if result.QualityWarning {
			data.QualityWarning = &result.QualityWarning
		}
		return http.StatusOK, v1alpha1.ReportReply{Ok: true, Data: data}
	case model.JobStatusFailed:
		reply := v1alpha1.ReportReply{
			Ok:        false,
			Data:      data,
			Error:     toPtr(result.ErrorMessage),
			ErrorCode: toPtr(string(result.ErrorCode)),
		}
		if result.Notice != "" {
			reply.Notice = toPtr(result.Notice)
		}
		return StatusCode(result.ErrorCode), reply
	default:
		return http.StatusAccepted, v1alpha1.ReportReply{Ok: true, Data: data}
	}
}

func ErrorToApi(err error) (int, v1alpha1.ReportReply) {
	code := service.CodeOf(err)
	return StatusCode(code), v1alpha1.ReportReply{
		Ok:        false,
		Error:     toPtr(err.Error()),
		ErrorCode: toPtr(string(code)),
	}
}

func SweepReportToApi(report *service.SweepReport) v1alpha1.SweepReply {
	reply := v1alpha1.SweepReply{
		Stale:     report.Stale,
		Processed: report.Processed,
		Cancelled: report.Cancelled,
		Refunded:  report.Refunded,
		Captured:  report.Captured,
		Failed:    report.Failed,
		Skipped:   report.Skipped,
		Errors:    make([]v1alpha1.SweepError, 0, len(report.Errors)),
	}
	for _, e := range report.Errors {
		reply.Errors = append(reply.Errors, v1alpha1.SweepError{
			ReportId:  e.ReportID,
			ErrorCode: string(e.ErrorCode),
			Error:     e.Error,
		})
	}
	return reply
}

func RenderResult(w http.ResponseWriter, r *http.Request, result *service.Result) {
	status, reply := ResultToApi(result)
	if !reply.Ok {
		reply.RequestId = requestID(r)
	}
	render.Status(r, status)
	render.JSON(w, r, reply)
}

func RenderError(w http.ResponseWriter, r *http.Request, err error) {
	status, reply := ErrorToApi(err)
	reply.RequestId = requestID(r)
	render.Status(r, status)
	render.JSON(w, r, reply)
}

func requestID(r *http.Request) *string {
	if id := requestid.FromRequest(r); id != "" {
		return &id
	}
	return nil
}

func toPtr[T any](v T) *T {
	return &v
}
