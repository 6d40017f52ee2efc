package v1alpha1

func StringToReportStatus(s string) ReportStatus {
	switch s {
	case string(ReportStatusCompleted):
		return ReportStatusCompleted
	case string(ReportStatusFailed):
		return ReportStatusFailed
	default:
		return ReportStatusProcessing
	}
}

// IsTerminal reports whether a job in status s will never change again.
func (s ReportStatus) IsTerminal() bool {
	return s == ReportStatusCompleted || s == ReportStatusFailed
}
