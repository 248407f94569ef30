package logger

import (
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// StepDiagnosticFields pulls a handful of log-worthy fields out of a step's
// opaque results JSON without unmarshaling it into a typed struct — the
// engine never knows the shape of user-supplied payloads ahead of time.
func StepDiagnosticFields(resultsJSON []byte) logrus.Fields {
	fields := logrus.Fields{}
	if len(resultsJSON) == 0 {
		return fields
	}
	parsed := gjson.ParseBytes(resultsJSON)
	if v := parsed.Get("error.class"); v.Exists() {
		fields["error_class"] = v.String()
	}
	if v := parsed.Get("error.message"); v.Exists() {
		fields["error_message"] = v.String()
	}
	if v := parsed.Get("timeout"); v.Exists() {
		fields["timeout"] = v.Bool()
	}
	return fields
}
