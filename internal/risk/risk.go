// Package risk drives Cloud DLP risk analysis jobs over BigQuery tables.
//
// Each operation assembles one risk job, submits it, waits for a terminal
// state and renders the findings. The risk arithmetic (histograms,
// k-anonymity, l-diversity, k-map estimation) is entirely the service's;
// this package owns request assembly, waiting and presentation.
package risk

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"cloud.google.com/go/dlp/apiv2/dlppb"
	"cloud.google.com/go/pubsub"
	"github.com/googleapis/gax-go/v2"

	"github.com/reidlabs/gauge/internal/model"
)

// JobClient is the part of the DLP API surface gauge consumes.
// *dlp.Client satisfies it.
type JobClient interface {
	CreateDlpJob(ctx context.Context, req *dlppb.CreateDlpJobRequest, opts ...gax.CallOption) (*dlppb.DlpJob, error)
	GetDlpJob(ctx context.Context, req *dlppb.GetDlpJobRequest, opts ...gax.CallOption) (*dlppb.DlpJob, error)
	DeleteDlpJob(ctx context.Context, req *dlppb.DeleteDlpJobRequest, opts ...gax.CallOption) error
}

// Receiver delivers notification messages. *pubsub.Subscription satisfies it.
type Receiver interface {
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
}

// Analyzer runs risk analyses and writes their findings to out.
type Analyzer struct {
	jobs   JobClient
	waiter *Waiter
	out    io.Writer
}

func NewAnalyzer(jobs JobClient, out io.Writer) *Analyzer {
	return &Analyzer{
		jobs:   jobs,
		waiter: NewWaiter(jobs),
		out:    out,
	}
}

// WithWaiter replaces the default waiter, typically to tune its budget.
func (a *Analyzer) WithWaiter(w *Waiter) *Analyzer {
	a.waiter = w
	return a
}

type NumericalParams struct {
	Project  string
	Location string
	Table    model.TableRef
	Column   string
	Topic    string // fully qualified topic the job notifies
}

func (p NumericalParams) validate() error {
	if err := requireProject(p.Project); err != nil {
		return err
	}
	if err := p.Table.Validate(); err != nil {
		return err
	}
	if err := requireColumn(p.Column); err != nil {
		return err
	}
	return requireTopic(p.Topic)
}

// Numerical estimates min, max and quantile values of a numeric column.
func (a *Analyzer) Numerical(ctx context.Context, p NumericalParams, rcv Receiver) (*dlppb.DlpJob, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	job, err := a.submit(ctx, numericalRequest(p), rcv)
	if err != nil {
		return nil, err
	}
	printNumerical(a.out, job)
	return job, nil
}

type CategoricalParams struct {
	Project  string
	Location string
	Table    model.TableRef
	Column   string
	Topic    string
}

func (p CategoricalParams) validate() error {
	if err := requireProject(p.Project); err != nil {
		return err
	}
	if err := p.Table.Validate(); err != nil {
		return err
	}
	if err := requireColumn(p.Column); err != nil {
		return err
	}
	return requireTopic(p.Topic)
}

// Categorical estimates value frequencies of a column.
func (a *Analyzer) Categorical(ctx context.Context, p CategoricalParams, rcv Receiver) (*dlppb.DlpJob, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	job, err := a.submit(ctx, categoricalRequest(p), rcv)
	if err != nil {
		return nil, err
	}
	printCategorical(a.out, job)
	return job, nil
}

type KAnonymityParams struct {
	Project  string
	Location string
	Table    model.TableRef
	QuasiIDs []string
	Topic    string
}

func (p KAnonymityParams) validate() error {
	if err := requireProject(p.Project); err != nil {
		return err
	}
	if err := p.Table.Validate(); err != nil {
		return err
	}
	if err := requireQuasiIDs(p.QuasiIDs); err != nil {
		return err
	}
	return requireTopic(p.Topic)
}

// KAnonymity computes equivalence class sizes over the quasi-id columns.
func (a *Analyzer) KAnonymity(ctx context.Context, p KAnonymityParams, rcv Receiver) (*dlppb.DlpJob, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	job, err := a.submit(ctx, kAnonymityRequest(p), rcv)
	if err != nil {
		return nil, err
	}
	printKAnonymity(a.out, job)
	return job, nil
}

type LDiversityParams struct {
	Project   string
	Location  string
	Table     model.TableRef
	Sensitive string
	QuasiIDs  []string
	Topic     string
}

func (p LDiversityParams) validate() error {
	if err := requireProject(p.Project); err != nil {
		return err
	}
	if err := p.Table.Validate(); err != nil {
		return err
	}
	if err := requireQuasiIDs(p.QuasiIDs); err != nil {
		return err
	}
	if p.Sensitive == "" {
		return fmt.Errorf("%w: sensitive attribute is required", model.ErrInvalidArgument)
	}
	return requireTopic(p.Topic)
}

// LDiversity computes the diversity of a sensitive attribute within each
// equivalence class.
func (a *Analyzer) LDiversity(ctx context.Context, p LDiversityParams, rcv Receiver) (*dlppb.DlpJob, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	job, err := a.submit(ctx, lDiversityRequest(p), rcv)
	if err != nil {
		return nil, err
	}
	printLDiversity(a.out, job)
	return job, nil
}

type KMapParams struct {
	Project   string
	Location  string
	Table     model.TableRef
	QuasiIDs  []string
	InfoTypes []string // pairs up with QuasiIDs
	Region    string   // ISO 3166-1 alpha-2, "US" when empty
	Topic     string
}

func (p KMapParams) validate() error {
	if err := requireProject(p.Project); err != nil {
		return err
	}
	if err := p.Table.Validate(); err != nil {
		return err
	}
	if err := requireQuasiIDs(p.QuasiIDs); err != nil {
		return err
	}
	if len(p.QuasiIDs) != len(p.InfoTypes) {
		return fmt.Errorf("%w: %d quasi-ids and %d info types, one info type per quasi-id is required",
			model.ErrInvalidArgument, len(p.QuasiIDs), len(p.InfoTypes))
	}
	return requireTopic(p.Topic)
}

// KMapEstimate estimates how many individuals in the region share each
// quasi-id combination.
func (a *Analyzer) KMapEstimate(ctx context.Context, p KMapParams, rcv Receiver) (*dlppb.DlpJob, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	job, err := a.submit(ctx, kMapRequest(p), rcv)
	if err != nil {
		return nil, err
	}
	printKMap(a.out, job)
	return job, nil
}

type KAnonymityEntityParams struct {
	Project  string
	Location string
	Table    model.TableRef
	Entity   string // field identifying one entity across rows
	QuasiIDs []string
	Output   model.TableRef // SaveFindings destination
}

func (p KAnonymityEntityParams) validate() error {
	if err := requireProject(p.Project); err != nil {
		return err
	}
	if err := p.Table.Validate(); err != nil {
		return err
	}
	if err := requireQuasiIDs(p.QuasiIDs); err != nil {
		return err
	}
	if p.Entity == "" {
		return fmt.Errorf("%w: entity field is required", model.ErrInvalidArgument)
	}
	return p.Output.Validate()
}

// KAnonymityEntity computes k-anonymity with rows grouped by an entity id.
// The job saves its findings to the output table and has no notification
// channel, so completion is learned by polling.
func (a *Analyzer) KAnonymityEntity(ctx context.Context, p KAnonymityEntityParams) (*dlppb.DlpJob, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	job, err := a.jobs.CreateDlpJob(ctx, kAnonymityEntityRequest(p))
	if err != nil {
		return nil, fmt.Errorf("creating risk job: %w", err)
	}
	fmt.Fprintf(a.out, "Job name: %s\n", job.GetName())
	slog.DebugContext(ctx, "risk job created", "job_name", job.GetName())

	done, err := a.waiter.AwaitPolled(ctx, job.GetName())
	if err != nil {
		return nil, err
	}
	printKAnonymity(a.out, done)
	return done, nil
}

// DeleteJob removes a finished job from the service.
func (a *Analyzer) DeleteJob(ctx context.Context, name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty job name", model.ErrInvalidArgument)
	}
	if err := a.jobs.DeleteDlpJob(ctx, &dlppb.DeleteDlpJobRequest{Name: name}); err != nil {
		return fmt.Errorf("deleting job %s: %w", name, err)
	}
	return nil
}

func (a *Analyzer) submit(ctx context.Context, req *dlppb.CreateDlpJobRequest, rcv Receiver) (*dlppb.DlpJob, error) {
	job, err := a.jobs.CreateDlpJob(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("creating risk job: %w", err)
	}
	fmt.Fprintf(a.out, "Job name: %s\n", job.GetName())
	slog.DebugContext(ctx, "risk job created", "job_name", job.GetName())
	return a.waiter.AwaitNotified(ctx, job.GetName(), rcv)
}

func requireProject(project string) error {
	if project == "" {
		return fmt.Errorf("%w: project is required", model.ErrInvalidArgument)
	}
	return nil
}

func requireColumn(column string) error {
	if column == "" {
		return fmt.Errorf("%w: column is required", model.ErrInvalidArgument)
	}
	return nil
}

func requireTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: notification topic is required", model.ErrInvalidArgument)
	}
	return nil
}

func requireQuasiIDs(ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("%w: at least one quasi-id is required", model.ErrInvalidArgument)
	}
	for _, id := range ids {
		if id == "" {
			return fmt.Errorf("%w: quasi-id names must not be empty", model.ErrInvalidArgument)
		}
	}
	return nil
}

func parent(project, location string) string {
	if location == "" {
		location = "global"
	}
	return fmt.Sprintf("projects/%s/locations/%s", project, location)
}

func numericalRequest(p NumericalParams) *dlppb.CreateDlpJobRequest {
	return notifiedRiskJob(p.Project, p.Location, p.Table, p.Topic, &dlppb.PrivacyMetric{
		Type: &dlppb.PrivacyMetric_NumericalStatsConfig_{
			NumericalStatsConfig: &dlppb.PrivacyMetric_NumericalStatsConfig{
				Field: &dlppb.FieldId{Name: p.Column},
			},
		},
	})
}

func categoricalRequest(p CategoricalParams) *dlppb.CreateDlpJobRequest {
	return notifiedRiskJob(p.Project, p.Location, p.Table, p.Topic, &dlppb.PrivacyMetric{
		Type: &dlppb.PrivacyMetric_CategoricalStatsConfig_{
			CategoricalStatsConfig: &dlppb.PrivacyMetric_CategoricalStatsConfig{
				Field: &dlppb.FieldId{Name: p.Column},
			},
		},
	})
}

func kAnonymityRequest(p KAnonymityParams) *dlppb.CreateDlpJobRequest {
	return notifiedRiskJob(p.Project, p.Location, p.Table, p.Topic, &dlppb.PrivacyMetric{
		Type: &dlppb.PrivacyMetric_KAnonymityConfig_{
			KAnonymityConfig: &dlppb.PrivacyMetric_KAnonymityConfig{
				QuasiIds: fieldIDs(p.QuasiIDs),
			},
		},
	})
}

func lDiversityRequest(p LDiversityParams) *dlppb.CreateDlpJobRequest {
	return notifiedRiskJob(p.Project, p.Location, p.Table, p.Topic, &dlppb.PrivacyMetric{
		Type: &dlppb.PrivacyMetric_LDiversityConfig_{
			LDiversityConfig: &dlppb.PrivacyMetric_LDiversityConfig{
				QuasiIds:           fieldIDs(p.QuasiIDs),
				SensitiveAttribute: &dlppb.FieldId{Name: p.Sensitive},
			},
		},
	})
}

func kMapRequest(p KMapParams) *dlppb.CreateDlpJobRequest {
	tagged := make([]*dlppb.PrivacyMetric_KMapEstimationConfig_TaggedField, 0, len(p.QuasiIDs))
	for i, q := range p.QuasiIDs {
		tagged = append(tagged, &dlppb.PrivacyMetric_KMapEstimationConfig_TaggedField{
			Field: &dlppb.FieldId{Name: q},
			Tag: &dlppb.PrivacyMetric_KMapEstimationConfig_TaggedField_InfoType{
				InfoType: &dlppb.InfoType{Name: p.InfoTypes[i]},
			},
		})
	}
	region := p.Region
	if region == "" {
		region = "US"
	}
	return notifiedRiskJob(p.Project, p.Location, p.Table, p.Topic, &dlppb.PrivacyMetric{
		Type: &dlppb.PrivacyMetric_KMapEstimationConfig_{
			KMapEstimationConfig: &dlppb.PrivacyMetric_KMapEstimationConfig{
				QuasiIds:   tagged,
				RegionCode: region,
			},
		},
	})
}

func kAnonymityEntityRequest(p KAnonymityEntityParams) *dlppb.CreateDlpJobRequest {
	return &dlppb.CreateDlpJobRequest{
		Parent: parent(p.Project, p.Location),
		Job: &dlppb.CreateDlpJobRequest_RiskJob{
			RiskJob: &dlppb.RiskAnalysisJobConfig{
				PrivacyMetric: &dlppb.PrivacyMetric{
					Type: &dlppb.PrivacyMetric_KAnonymityConfig_{
						KAnonymityConfig: &dlppb.PrivacyMetric_KAnonymityConfig{
							QuasiIds: fieldIDs(p.QuasiIDs),
							EntityId: &dlppb.EntityId{
								Field: &dlppb.FieldId{Name: p.Entity},
							},
						},
					},
				},
				SourceTable: bigQueryTable(p.Table),
				Actions: []*dlppb.Action{{
					Action: &dlppb.Action_SaveFindings_{
						SaveFindings: &dlppb.Action_SaveFindings{
							OutputConfig: &dlppb.OutputStorageConfig{
								Type: &dlppb.OutputStorageConfig_Table{
									Table: bigQueryTable(p.Output),
								},
							},
						},
					},
				}},
			},
		},
	}
}

func notifiedRiskJob(project, location string, table model.TableRef, topic string, metric *dlppb.PrivacyMetric) *dlppb.CreateDlpJobRequest {
	return &dlppb.CreateDlpJobRequest{
		Parent: parent(project, location),
		Job: &dlppb.CreateDlpJobRequest_RiskJob{
			RiskJob: &dlppb.RiskAnalysisJobConfig{
				PrivacyMetric: metric,
				SourceTable:   bigQueryTable(table),
				Actions: []*dlppb.Action{{
					Action: &dlppb.Action_PubSub{
						PubSub: &dlppb.Action_PublishToPubSub{Topic: topic},
					},
				}},
			},
		},
	}
}

func bigQueryTable(t model.TableRef) *dlppb.BigQueryTable {
	return &dlppb.BigQueryTable{
		ProjectId: t.ProjectID,
		DatasetId: t.DatasetID,
		TableId:   t.TableID,
	}
}

func fieldIDs(names []string) []*dlppb.FieldId {
	out := make([]*dlppb.FieldId, 0, len(names))
	for _, n := range names {
		out = append(out, &dlppb.FieldId{Name: n})
	}
	return out
}
