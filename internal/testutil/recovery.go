package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/t77yq/drs-orchestrator/internal/model"
	"github.com/t77yq/drs-orchestrator/internal/recovery"
)

// FakeRecoveryService is an in-memory recovery service for tests
type FakeRecoveryService struct {
	mu sync.Mutex

	jobs        map[string]*model.Job
	order       []string
	nextJob     int
	submissions []recovery.SubmitJobRequest
	external    map[string][]model.JobSummary
	tags        map[string][]string
	instances   map[string]model.InstanceDetails

	SubmitErr   error
	GetJobErr   error
	ListErr     error
	ResolveErr  error
	DescribeErr error

	getJobCalls   int
	listCalls     int
	resolveCalls  int
	describeCalls int
}

var _ recovery.Service = (*FakeRecoveryService)(nil)

// NewFakeRecoveryService creates an empty fake
func NewFakeRecoveryService() *FakeRecoveryService {
	return &FakeRecoveryService{
		jobs:      make(map[string]*model.Job),
		external:  make(map[string][]model.JobSummary),
		tags:      make(map[string][]string),
		instances: make(map[string]model.InstanceDetails),
	}
}

// SubmitJob records the submission and creates a PENDING job
func (f *FakeRecoveryService) SubmitJob(_ context.Context, req recovery.SubmitJobRequest) (*recovery.SubmitJobResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.submissions = append(f.submissions, req)
	if f.SubmitErr != nil {
		return nil, f.SubmitErr
	}

	f.nextJob++
	job := &model.Job{
		JobID:   fmt.Sprintf("drsjob-%04d", f.nextJob),
		Status:  model.JobStatusPending,
		Region:  req.Region,
		IsDrill: req.IsDrill,
	}
	for _, id := range req.ServerIDs {
		job.Participants = append(job.Participants, model.Participant{
			ServerID:     id,
			LaunchStatus: string(model.LaunchStatusPending),
		})
	}
	f.jobs[job.JobID] = job
	f.order = append(f.order, job.JobID)

	return &recovery.SubmitJobResponse{JobID: job.JobID, Status: job.Status}, nil
}

// GetJob returns a copy of the job
func (f *FakeRecoveryService) GetJob(_ context.Context, _ string, jobID string) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.getJobCalls++
	if f.GetJobErr != nil {
		return nil, f.GetJobErr
	}
	job, ok := f.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s not found", jobID)
	}
	cp := *job
	cp.Participants = append([]model.Participant(nil), job.Participants...)
	return &cp, nil
}

// ListActiveJobs returns submitted jobs still PENDING/STARTED plus injected external jobs
func (f *FakeRecoveryService) ListActiveJobs(_ context.Context, region string) ([]model.JobSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.listCalls++
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	var out []model.JobSummary
	for _, id := range f.order {
		job := f.jobs[id]
		if job.Region != region || !job.Status.IsActive() {
			continue
		}
		summary := model.JobSummary{
			JobID:            job.JobID,
			Status:           job.Status,
			ParticipantCount: len(job.Participants),
		}
		for _, p := range job.Participants {
			summary.ServerIDs = append(summary.ServerIDs, p.ServerID)
		}
		out = append(out, summary)
	}
	out = append(out, f.external[region]...)
	return out, nil
}

// ResolveTaggedServers returns servers registered for the tag selection
func (f *FakeRecoveryService) ResolveTaggedServers(_ context.Context, region string, tags map[string]string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.resolveCalls++
	if f.ResolveErr != nil {
		return nil, f.ResolveErr
	}
	return append([]string(nil), f.tags[tagKey(region, tags)]...), nil
}

// DescribeInstances returns registered instance details
func (f *FakeRecoveryService) DescribeInstances(_ context.Context, _ string, instanceIDs []string) (map[string]model.InstanceDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.describeCalls++
	if f.DescribeErr != nil {
		return nil, f.DescribeErr
	}
	out := make(map[string]model.InstanceDetails)
	for _, id := range instanceIDs {
		if d, ok := f.instances[id]; ok {
			out[id] = d
		}
	}
	return out, nil
}

// AddActiveJob injects a job owned by someone else into a region's active list
func (f *FakeRecoveryService) AddActiveJob(region, jobID string, serverIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.external[region] = append(f.external[region], model.JobSummary{
		JobID:            jobID,
		Status:           model.JobStatusStarted,
		ParticipantCount: len(serverIDs),
		ServerIDs:        serverIDs,
	})
}

// AddActiveJobWithCount injects an external active job with only a participant count
func (f *FakeRecoveryService) AddActiveJobWithCount(region, jobID string, count int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.external[region] = append(f.external[region], model.JobSummary{
		JobID:            jobID,
		Status:           model.JobStatusStarted,
		ParticipantCount: count,
	})
}

// RegisterTags makes a tag selection resolve to serverIDs
func (f *FakeRecoveryService) RegisterTags(region string, tags map[string]string, serverIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tags[tagKey(region, tags)] = serverIDs
}

// RegisterInstance makes instance details available to DescribeInstances
func (f *FakeRecoveryService) RegisterInstance(details model.InstanceDetails) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.instances[details.InstanceID] = details
}

// SetJobStatus overrides the job status
func (f *FakeRecoveryService) SetJobStatus(jobID string, status model.JobStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[jobID]; ok {
		job.Status = status
	}
}

// SetParticipants replaces the participant list of a job
func (f *FakeRecoveryService) SetParticipants(jobID string, participants ...model.Participant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[jobID]; ok {
		job.Participants = participants
	}
}

// SetLaunchStatus updates a single participant
func (f *FakeRecoveryService) SetLaunchStatus(jobID, serverID, status, instanceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return
	}
	for i := range job.Participants {
		if job.Participants[i].ServerID == serverID {
			job.Participants[i].LaunchStatus = status
			job.Participants[i].InstanceID = instanceID
		}
	}
}

// LaunchAll marks every participant LAUNCHED and the job COMPLETED
func (f *FakeRecoveryService) LaunchAll(jobID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[jobID]
	if !ok {
		return
	}
	for i := range job.Participants {
		job.Participants[i].LaunchStatus = string(model.LaunchStatusLaunched)
		job.Participants[i].InstanceID = "i-" + job.Participants[i].ServerID
	}
	job.Status = model.JobStatusCompleted
}

// Submissions returns every SubmitJob request in call order
func (f *FakeRecoveryService) Submissions() []recovery.SubmitJobRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recovery.SubmitJobRequest(nil), f.submissions...)
}

// JobIDs returns created job ids in creation order
func (f *FakeRecoveryService) JobIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

// LastJobID returns the most recently created job id
func (f *FakeRecoveryService) LastJobID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.order) == 0 {
		return ""
	}
	return f.order[len(f.order)-1]
}

// GetJobCalls returns the number of GetJob calls
func (f *FakeRecoveryService) GetJobCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getJobCalls
}

// ListCalls returns the number of ListActiveJobs calls
func (f *FakeRecoveryService) ListCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

// ResolveCalls returns the number of ResolveTaggedServers calls
func (f *FakeRecoveryService) ResolveCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolveCalls
}

// DescribeCalls returns the number of DescribeInstances calls
func (f *FakeRecoveryService) DescribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.describeCalls
}

func tagKey(region string, tags map[string]string) string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	key := region
	for _, k := range keys {
		key += "|" + k + "=" + tags[k]
	}
	return key
}

// ServerIDs generates n sequential source server ids with a prefix
func ServerIDs(prefix string, n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("%s-%03d", prefix, i)
	}
	return ids
}
