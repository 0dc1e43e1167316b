package risk

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/dlp/apiv2/dlppb"
)

// The findings renderers below keep one line shape per fact, tests and
// downstream tooling grep for the labels.

func printNumerical(w io.Writer, job *dlppb.DlpJob) {
	res := job.GetRiskDetails().GetNumericalStatsResult()
	if res == nil {
		return
	}
	fmt.Fprintf(w, "Value Range: [%s, %s]\n", valueString(res.GetMinValue()), valueString(res.GetMaxValue()))
	var prev string
	first := true
	for percent, quantile := range res.GetQuantileValues() {
		value := valueString(quantile)
		if first || value != prev {
			fmt.Fprintf(w, "Value at %d%% quantile: %s\n", percent, value)
			prev = value
			first = false
		}
	}
}

func printCategorical(w io.Writer, job *dlppb.DlpJob) {
	res := job.GetRiskDetails().GetCategoricalStatsResult()
	if res == nil {
		return
	}
	for i, bucket := range res.GetValueFrequencyHistogramBuckets() {
		fmt.Fprintf(w, "Bucket %d:\n", i)
		fmt.Fprintf(w, "   Most common value occurs %d time(s)\n", bucket.GetValueFrequencyUpperBound())
		fmt.Fprintf(w, "   Least common value occurs %d time(s)\n", bucket.GetValueFrequencyLowerBound())
		fmt.Fprintf(w, "   %d unique values total.\n", bucket.GetBucketSize())
		for _, vf := range bucket.GetBucketValues() {
			fmt.Fprintf(w, "   Value %s occurs %d time(s)\n", valueString(vf.GetValue()), vf.GetCount())
		}
	}
}

func printKAnonymity(w io.Writer, job *dlppb.DlpJob) {
	res := job.GetRiskDetails().GetKAnonymityResult()
	if res == nil {
		return
	}
	for i, bucket := range res.GetEquivalenceClassHistogramBuckets() {
		fmt.Fprintf(w, "Bucket %d:\n", i)
		if bucket.GetEquivalenceClassSizeLowerBound() == 0 {
			continue
		}
		fmt.Fprintf(w, "   Bucket size range: [%d, %d]\n",
			bucket.GetEquivalenceClassSizeLowerBound(), bucket.GetEquivalenceClassSizeUpperBound())
		for _, class := range bucket.GetBucketValues() {
			fmt.Fprintf(w, "   Quasi-ID values: %s\n", valuesString(class.GetQuasiIdsValues()))
			fmt.Fprintf(w, "   Class size: %d\n", class.GetEquivalenceClassSize())
		}
	}
}

func printLDiversity(w io.Writer, job *dlppb.DlpJob) {
	res := job.GetRiskDetails().GetLDiversityResult()
	if res == nil {
		return
	}
	for i, bucket := range res.GetSensitiveValueFrequencyHistogramBuckets() {
		fmt.Fprintf(w, "Bucket %d:\n", i)
		fmt.Fprintf(w, "   Bucket size range: [%d, %d]\n",
			bucket.GetSensitiveValueFrequencyLowerBound(), bucket.GetSensitiveValueFrequencyUpperBound())
		for _, class := range bucket.GetBucketValues() {
			fmt.Fprintf(w, "   Quasi-ID values: %s\n", valuesString(class.GetQuasiIdsValues()))
			fmt.Fprintf(w, "   Class size: %d\n", class.GetEquivalenceClassSize())
			for _, vf := range class.GetTopSensitiveValues() {
				fmt.Fprintf(w, "   Sensitive value %s occurs %d time(s).\n", valueString(vf.GetValue()), vf.GetCount())
			}
		}
	}
}

func printKMap(w io.Writer, job *dlppb.DlpJob) {
	res := job.GetRiskDetails().GetKMapEstimationResult()
	if res == nil {
		return
	}
	for i, bucket := range res.GetKMapEstimationHistogram() {
		fmt.Fprintf(w, "Bucket %d:\n", i)
		fmt.Fprintf(w, "   Anonymity range: [%d, %d]\n", bucket.GetMinAnonymity(), bucket.GetMaxAnonymity())
		fmt.Fprintf(w, "   Size: %d\n", bucket.GetBucketSize())
		for _, values := range bucket.GetBucketValues() {
			fmt.Fprintf(w, "      Values: %s\n", valuesString(values.GetQuasiIdsValues()))
			fmt.Fprintf(w, "      Estimated k-map anonymity: %d\n", values.GetEstimatedAnonymity())
		}
	}
}

func valueString(v *dlppb.Value) string {
	switch t := v.GetType().(type) {
	case *dlppb.Value_IntegerValue:
		return strconv.FormatInt(t.IntegerValue, 10)
	case *dlppb.Value_FloatValue:
		return strconv.FormatFloat(t.FloatValue, 'g', -1, 64)
	case *dlppb.Value_StringValue:
		return t.StringValue
	case *dlppb.Value_BooleanValue:
		return strconv.FormatBool(t.BooleanValue)
	case *dlppb.Value_TimestampValue:
		return t.TimestampValue.AsTime().UTC().Format(time.RFC3339)
	case nil:
		return ""
	default:
		return v.String()
	}
}

func valuesString(vs []*dlppb.Value) string {
	parts := make([]string, 0, len(vs))
	for _, v := range vs {
		parts = append(parts, valueString(v))
	}
	return strings.Join(parts, ", ")
}
