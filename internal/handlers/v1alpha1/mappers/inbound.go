package mappers

import (
	"github.com/natalcast/report-pipeline/api/v1alpha1"
	"github.com/natalcast/report-pipeline/internal/service"
)

func SubmitRequestFromApi(form v1alpha1.ReportCreate) service.SubmitRequest {
	req := service.SubmitRequest{
		ReportType:      form.ReportType,
		InputParameters: form.Input,
	}
	if form.PaymentIntentId != nil {
		req.PaymentIntentID = *form.PaymentIntentId
	}
	if form.SessionId != nil {
		req.SessionID = *form.SessionId
	}
	if form.PaymentToken != nil {
		req.PaymentToken = *form.PaymentToken
	}
	return req
}
