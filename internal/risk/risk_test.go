package risk_test

import (
	"bytes"
	"context"
	"io"
	"testing"
	"testing/synctest"
	"time"

	"cloud.google.com/go/dlp/apiv2/dlppb"
	"cloud.google.com/go/pubsub"
	"github.com/stretchr/testify/require"

	"github.com/reidlabs/gauge/internal/model"
	"github.com/reidlabs/gauge/internal/risk"
)

const testTopic = "projects/bricks/topics/gauge-risk"

func testTable() model.TableRef {
	return model.TableRef{ProjectID: "bricks", DatasetID: "harmful", TableID: "people"}
}

func intValue(v int64) *dlppb.Value {
	return &dlppb.Value{Type: &dlppb.Value_IntegerValue{IntegerValue: v}}
}

func strValue(v string) *dlppb.Value {
	return &dlppb.Value{Type: &dlppb.Value_StringValue{StringValue: v}}
}

func TestAnalyzerNumerical(t *testing.T) {
	t.Parallel()

	done := &dlppb.DlpJob{
		Name:  jobName,
		State: dlppb.DlpJob_DONE,
		Details: &dlppb.DlpJob_RiskDetails{RiskDetails: &dlppb.AnalyzeDataSourceRiskDetails{
			Result: &dlppb.AnalyzeDataSourceRiskDetails_NumericalStatsResult_{
				NumericalStatsResult: &dlppb.AnalyzeDataSourceRiskDetails_NumericalStatsResult{
					MinValue:       intValue(27),
					MaxValue:       intValue(75),
					QuantileValues: []*dlppb.Value{intValue(27), intValue(27), intValue(53)},
				},
			},
		}},
	}
	jobs := &fakeJobs{gets: []getResult{{job: done}}}
	rcv := &fakeReceiver{msgs: []*pubsub.Message{notification(jobName)}}

	var out bytes.Buffer
	job, err := risk.NewAnalyzer(jobs, &out).Numerical(t.Context(), risk.NumericalParams{
		Project: "bricks",
		Table:   testTable(),
		Column:  "Age",
		Topic:   testTopic,
	}, rcv)
	require.NoError(t, err)
	require.Equal(t, dlppb.DlpJob_DONE, job.GetState())
	require.Equal(t, "Job name: "+jobName+"\n"+
		"Value Range: [27, 75]\n"+
		"Value at 0% quantile: 27\n"+
		"Value at 2% quantile: 53\n", out.String())
}

func TestAnalyzerRequests(t *testing.T) {
	t.Parallel()

	table := testTable()

	testCases := []struct {
		scenario string
		run      func(ctx context.Context, a *risk.Analyzer, rcv risk.Receiver) error
		check    func(t *testing.T, metric *dlppb.PrivacyMetric)
	}{
		{
			scenario: "numerical",
			run: func(ctx context.Context, a *risk.Analyzer, rcv risk.Receiver) error {
				_, err := a.Numerical(ctx, risk.NumericalParams{Project: "bricks", Table: table, Column: "Age", Topic: testTopic}, rcv)
				return err
			},
			check: func(t *testing.T, metric *dlppb.PrivacyMetric) {
				require.Equal(t, "Age", metric.GetNumericalStatsConfig().GetField().GetName())
			},
		},
		{
			scenario: "categorical",
			run: func(ctx context.Context, a *risk.Analyzer, rcv risk.Receiver) error {
				_, err := a.Categorical(ctx, risk.CategoricalParams{Project: "bricks", Table: table, Column: "Gender", Topic: testTopic}, rcv)
				return err
			},
			check: func(t *testing.T, metric *dlppb.PrivacyMetric) {
				require.Equal(t, "Gender", metric.GetCategoricalStatsConfig().GetField().GetName())
			},
		},
		{
			scenario: "k-anonymity",
			run: func(ctx context.Context, a *risk.Analyzer, rcv risk.Receiver) error {
				_, err := a.KAnonymity(ctx, risk.KAnonymityParams{Project: "bricks", Table: table, QuasiIDs: []string{"Age", "Gender"}, Topic: testTopic}, rcv)
				return err
			},
			check: func(t *testing.T, metric *dlppb.PrivacyMetric) {
				ids := metric.GetKAnonymityConfig().GetQuasiIds()
				require.Len(t, ids, 2)
				require.Equal(t, "Age", ids[0].GetName())
				require.Equal(t, "Gender", ids[1].GetName())
				require.Nil(t, metric.GetKAnonymityConfig().GetEntityId())
			},
		},
		{
			scenario: "l-diversity",
			run: func(ctx context.Context, a *risk.Analyzer, rcv risk.Receiver) error {
				_, err := a.LDiversity(ctx, risk.LDiversityParams{Project: "bricks", Table: table, Sensitive: "Name", QuasiIDs: []string{"Age"}, Topic: testTopic}, rcv)
				return err
			},
			check: func(t *testing.T, metric *dlppb.PrivacyMetric) {
				require.Equal(t, "Name", metric.GetLDiversityConfig().GetSensitiveAttribute().GetName())
				require.Equal(t, "Age", metric.GetLDiversityConfig().GetQuasiIds()[0].GetName())
			},
		},
		{
			scenario: "k-map tags one info type per quasi-id",
			run: func(ctx context.Context, a *risk.Analyzer, rcv risk.Receiver) error {
				_, err := a.KMapEstimate(ctx, risk.KMapParams{
					Project:   "bricks",
					Table:     table,
					QuasiIDs:  []string{"Age", "Gender"},
					InfoTypes: []string{"AGE", "GENDER"},
					Topic:     testTopic,
				}, rcv)
				return err
			},
			check: func(t *testing.T, metric *dlppb.PrivacyMetric) {
				cfg := metric.GetKMapEstimationConfig()
				require.Equal(t, "US", cfg.GetRegionCode())
				require.Len(t, cfg.GetQuasiIds(), 2)
				require.Equal(t, "Age", cfg.GetQuasiIds()[0].GetField().GetName())
				require.Equal(t, "AGE", cfg.GetQuasiIds()[0].GetInfoType().GetName())
				require.Equal(t, "Gender", cfg.GetQuasiIds()[1].GetField().GetName())
				require.Equal(t, "GENDER", cfg.GetQuasiIds()[1].GetInfoType().GetName())
			},
		},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			jobs := &fakeJobs{gets: []getResult{jobIn(dlppb.DlpJob_DONE)}}
			rcv := &fakeReceiver{msgs: []*pubsub.Message{notification(jobName)}}
			a := risk.NewAnalyzer(jobs, io.Discard)

			require.NoError(t, tt.run(t.Context(), a, rcv))
			require.Len(t, jobs.created, 1)

			req := jobs.created[0]
			require.Equal(t, "projects/bricks/locations/global", req.GetParent())
			cfg := req.GetRiskJob()
			require.Equal(t, "bricks", cfg.GetSourceTable().GetProjectId())
			require.Equal(t, "harmful", cfg.GetSourceTable().GetDatasetId())
			require.Equal(t, "people", cfg.GetSourceTable().GetTableId())
			require.Equal(t, testTopic, cfg.GetActions()[0].GetPubSub().GetTopic())
			tt.check(t, cfg.GetPrivacyMetric())
		})
	}
}

func TestAnalyzerLocation(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{gets: []getResult{jobIn(dlppb.DlpJob_DONE)}}
	rcv := &fakeReceiver{msgs: []*pubsub.Message{notification(jobName)}}

	_, err := risk.NewAnalyzer(jobs, io.Discard).Numerical(t.Context(), risk.NumericalParams{
		Project:  "bricks",
		Location: "europe-west1",
		Table:    testTable(),
		Column:   "Age",
		Topic:    testTopic,
	}, rcv)
	require.NoError(t, err)
	require.Equal(t, "projects/bricks/locations/europe-west1", jobs.created[0].GetParent())
}

func TestAnalyzerValidation(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{}
	rcv := &fakeReceiver{}
	a := risk.NewAnalyzer(jobs, io.Discard)
	table := testTable()

	testCases := []struct {
		scenario string
		call     func(ctx context.Context) error
	}{
		{"numerical without column", func(ctx context.Context) error {
			_, err := a.Numerical(ctx, risk.NumericalParams{Project: "bricks", Table: table, Topic: testTopic}, rcv)
			return err
		}},
		{"categorical without project", func(ctx context.Context) error {
			_, err := a.Categorical(ctx, risk.CategoricalParams{Table: table, Column: "Gender", Topic: testTopic}, rcv)
			return err
		}},
		{"k-anonymity without quasi-ids", func(ctx context.Context) error {
			_, err := a.KAnonymity(ctx, risk.KAnonymityParams{Project: "bricks", Table: table, Topic: testTopic}, rcv)
			return err
		}},
		{"k-anonymity with empty quasi-id name", func(ctx context.Context) error {
			_, err := a.KAnonymity(ctx, risk.KAnonymityParams{Project: "bricks", Table: table, QuasiIDs: []string{"Age", ""}, Topic: testTopic}, rcv)
			return err
		}},
		{"l-diversity without sensitive attribute", func(ctx context.Context) error {
			_, err := a.LDiversity(ctx, risk.LDiversityParams{Project: "bricks", Table: table, QuasiIDs: []string{"Age"}, Topic: testTopic}, rcv)
			return err
		}},
		{"k-map without topic", func(ctx context.Context) error {
			_, err := a.KMapEstimate(ctx, risk.KMapParams{Project: "bricks", Table: table, QuasiIDs: []string{"Age"}, InfoTypes: []string{"AGE"}}, rcv)
			return err
		}},
		{"entity without output table", func(ctx context.Context) error {
			_, err := a.KAnonymityEntity(ctx, risk.KAnonymityEntityParams{Project: "bricks", Table: table, Entity: "Name", QuasiIDs: []string{"Age"}})
			return err
		}},
		{"entity without entity field", func(ctx context.Context) error {
			_, err := a.KAnonymityEntity(ctx, risk.KAnonymityEntityParams{Project: "bricks", Table: table, QuasiIDs: []string{"Age"}, Output: table})
			return err
		}},
		{"incomplete source table", func(ctx context.Context) error {
			_, err := a.Numerical(ctx, risk.NumericalParams{Project: "bricks", Table: model.TableRef{ProjectID: "bricks"}, Column: "Age", Topic: testTopic}, rcv)
			return err
		}},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			err := tt.call(t.Context())
			require.ErrorIs(t, err, model.ErrInvalidArgument)
		})
	}

	// invalid parameters never reach the service
	require.Empty(t, jobs.created)
	require.Equal(t, 0, jobs.getCalls())
}

func TestAnalyzerKMapPairing(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{}
	_, err := risk.NewAnalyzer(jobs, io.Discard).KMapEstimate(t.Context(), risk.KMapParams{
		Project:   "bricks",
		Table:     testTable(),
		QuasiIDs:  []string{"Age", "Gender"},
		InfoTypes: []string{"AGE"},
		Topic:     testTopic,
	}, &fakeReceiver{})
	require.ErrorIs(t, err, model.ErrInvalidArgument)
	require.ErrorContains(t, err, "2 quasi-ids and 1 info types")
	require.Empty(t, jobs.created)
}

func TestAnalyzerKAnonymityEntity(t *testing.T) {
	t.Parallel()
	synctest.Test(t, func(t *testing.T) {
		done := &dlppb.DlpJob{
			Name:  jobName,
			State: dlppb.DlpJob_DONE,
			Details: &dlppb.DlpJob_RiskDetails{RiskDetails: &dlppb.AnalyzeDataSourceRiskDetails{
				Result: &dlppb.AnalyzeDataSourceRiskDetails_KAnonymityResult_{
					KAnonymityResult: &dlppb.AnalyzeDataSourceRiskDetails_KAnonymityResult{
						EquivalenceClassHistogramBuckets: []*dlppb.AnalyzeDataSourceRiskDetails_KAnonymityResult_KAnonymityHistogramBucket{{
							EquivalenceClassSizeLowerBound: 1,
							EquivalenceClassSizeUpperBound: 2,
							BucketValues: []*dlppb.AnalyzeDataSourceRiskDetails_KAnonymityResult_KAnonymityEquivalenceClass{{
								QuasiIdsValues:       []*dlppb.Value{intValue(19), strValue("Male")},
								EquivalenceClassSize: 1,
							}},
						}},
					},
				},
			}},
		}
		jobs := &fakeJobs{gets: []getResult{jobIn(dlppb.DlpJob_RUNNING), {job: done}}}

		var out bytes.Buffer
		start := time.Now()
		job, err := risk.NewAnalyzer(jobs, &out).KAnonymityEntity(t.Context(), risk.KAnonymityEntityParams{
			Project:  "bricks",
			Table:    testTable(),
			Entity:   "Name",
			QuasiIDs: []string{"Age", "Gender"},
			Output:   model.TableRef{ProjectID: "bricks", DatasetID: "results", TableID: "kanon"},
		})
		require.NoError(t, err)
		require.Equal(t, dlppb.DlpJob_DONE, job.GetState())
		require.Equal(t, 2, jobs.getCalls())
		require.Equal(t, 30*time.Second, time.Since(start))

		cfg := jobs.created[0].GetRiskJob()
		require.Equal(t, "Name", cfg.GetPrivacyMetric().GetKAnonymityConfig().GetEntityId().GetField().GetName())
		dest := cfg.GetActions()[0].GetSaveFindings().GetOutputConfig().GetTable()
		require.Equal(t, "bricks", dest.GetProjectId())
		require.Equal(t, "results", dest.GetDatasetId())
		require.Equal(t, "kanon", dest.GetTableId())

		require.Equal(t, "Job name: "+jobName+"\n"+
			"Bucket 0:\n"+
			"   Bucket size range: [1, 2]\n"+
			"   Quasi-ID values: 19, Male\n"+
			"   Class size: 1\n", out.String())
	})
}

func TestAnalyzerDeleteJob(t *testing.T) {
	t.Parallel()

	jobs := &fakeJobs{}
	a := risk.NewAnalyzer(jobs, io.Discard)

	require.NoError(t, a.DeleteJob(t.Context(), jobName))
	require.Equal(t, []string{jobName}, jobs.deleted)

	err := a.DeleteJob(t.Context(), "")
	require.ErrorIs(t, err, model.ErrInvalidArgument)
}
