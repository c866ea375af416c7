package domain

// InstanceHandle identifies one EC2 instance in one region. The region is
// carried alongside the ID because every control-plane call is regional.
type InstanceHandle struct {
	ID     string
	Region string
}

// InstanceInfo holds the network attributes reported once an instance is
// running.
type InstanceInfo struct {
	ID        string
	PublicDNS string
	PrivateIP string
}

// Identity is the caller identity reported by STS.
type Identity struct {
	AccountID string
	ARN       string
}

// PipelineRun reports the outcome of a pipeline trigger. Body carries the
// raw response for diagnostics.
type PipelineRun struct {
	StatusCode int
	Body       string
}

// Accepted reports whether the trigger was acknowledged by the pipeline
// service.
func (r PipelineRun) Accepted() bool {
	return r.StatusCode == 200 || r.StatusCode == 201
}

// ProvisionVars is the handoff contract written to the tfvars descriptor
// file before a pipeline-backed create. The pipeline reads it as its
// provisioning parameters; the file is overwritten wholesale, never merged.
type ProvisionVars struct {
	Region       string `json:"aws_region"`
	ImageID      string `json:"ami_id"`
	InstanceType string `json:"instance_type"`
}
