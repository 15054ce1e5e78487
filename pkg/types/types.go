// Package types defines the data model shared across the experiment
// orchestrator: experiments, phases, fleets, test matrices, and the
// artefacts each component produces.
package types

import "time"

// Phase is the experiment's current position in the lifecycle state
// machine. Only the sequencer may transition it.
type Phase string

const (
	PhaseInit      Phase = "init"
	PhaseProvision Phase = "provision"
	PhaseConverge  Phase = "converge"
	PhaseRunMatrix Phase = "run_matrix"
	PhaseReport    Phase = "report"
	PhaseTeardown  Phase = "teardown"
	PhaseFailed    Phase = "failed"
)

// Role identifies a fleet member's function.
type Role string

const (
	RoleCoordinator Role = "coordinator"
	RoleStorage     Role = "storage"
	RoleBroker      Role = "broker"
	RoleWorker      Role = "worker"
)

// Experiment identifies a single end-to-end orchestrator invocation.
// Identity is immutable once created at Init.
type Experiment struct {
	ID        string
	CreatedAt time.Time
	Phase     Phase
	Tags      map[string]string
}

// Host is a fleet member: an opaque cloud identifier plus its private
// IP, with a fixed role assigned at provisioning.
type Host struct {
	ID        string
	Role      Role
	PrivateIP string
	VolumeID  string // non-empty only for RoleStorage
}

// Fleet is the bipartite set of hosts grouped by role for one
// experiment.
type Fleet struct {
	ExperimentID string
	Hosts        []Host
}

// ByRole returns the subset of hosts with the given role.
func (f Fleet) ByRole(role Role) []Host {
	var out []Host
	for _, h := range f.Hosts {
		if h.Role == role {
			out = append(out, h)
		}
	}
	return out
}

// ProbeKind enumerates the readiness probe mechanisms a service
// descriptor may use.
type ProbeKind string

const (
	ProbeTCPPort    ProbeKind = "tcp-port"
	ProbeChallenge  ProbeKind = "text-challenge-response"
	ProbeHTTPStatus ProbeKind = "http-status"
)

// ServiceDescriptor names the service a role runs, whether it is
// required to be active, and how to probe it for health. ServiceTable
// is the constant instantiation of this type.
type ServiceDescriptor struct {
	Role           Role
	ServiceName    string
	RequiredActive bool
	ProbeKind      ProbeKind
	Port           int    // tcp-port, text-challenge-response
	Challenge      string // text-challenge-response: text sent
	Expect         string // text-challenge-response: text expected
	Path           string // http-status: path appended to host
}

// ServiceTable is the constant role → service descriptor mapping.
// Dynamic dispatch on role is deliberately avoided in favour of this
// static table.
var ServiceTable = []ServiceDescriptor{
	{
		Role:           RoleCoordinator,
		ServiceName:    "zk.service",
		RequiredActive: true,
		ProbeKind:      ProbeChallenge,
		Port:           2181,
		Challenge:      "ruok",
		Expect:         "imok",
	},
	{
		Role:           RoleStorage,
		ServiceName:    "bk.service",
		RequiredActive: true,
		ProbeKind:      ProbeTCPPort,
		Port:           3181,
	},
	{
		Role:           RoleBroker,
		ServiceName:    "broker.service",
		RequiredActive: true,
		ProbeKind:      ProbeHTTPStatus,
		Port:           8080,
		Path:           "/admin/v2/brokers/health",
	},
}

// ServicesForRole returns the service descriptors for a role. Worker
// hosts have no entries, and nothing checks that the benchmark binary
// is present on a worker before the matrix runner invokes it.
func ServicesForRole(role Role) []ServiceDescriptor {
	var out []ServiceDescriptor
	for _, sd := range ServiceTable {
		if sd.Role == role {
			out = append(out, sd)
		}
	}
	return out
}

// VariantKind enumerates the test-matrix variant shapes.
type VariantKind string

const (
	VariantFixedRate VariantKind = "fixed_rate"
	VariantRampUp    VariantKind = "ramp_up"
	VariantMaxRate   VariantKind = "max_rate"
)

// PlateauPolicy aborts the remainder of a matrix when achieved
// throughput persistently falls below target.
type PlateauPolicy struct {
	AllowedDeviationPct    float64
	ConsecutiveFailsAllowed int
}

// TestVariant is one row of a test matrix.
type TestVariant struct {
	Name              string
	Kind              VariantKind
	TargetRate        float64
	WorkloadOverrides map[string]interface{}
}

// Workload is the base workload document merged with a variant's
// overrides to produce a workload artefact.
type Workload struct {
	Topics                int                `yaml:"topics"`
	Partitions            int                `yaml:"partitions"`
	ProducerCount         int                `yaml:"producer_count"`
	ConsumerCount         int                `yaml:"consumer_count"`
	MessageSizeBytes      int                `yaml:"message_size_bytes,omitempty"`
	MessageSizeBuckets    map[string]float64 `yaml:"message_size_buckets,omitempty"`
	TestDurationMinutes   int                `yaml:"test_duration_minutes"`
	WarmupDurationMinutes int                `yaml:"warmup_duration_minutes"`
	TargetRate            float64            `yaml:"target_rate"`
}

// Matrix declares an ordered set of variants to run against a base
// workload.
type Matrix struct {
	Name     string
	Base     Workload
	Variants []TestVariant
	Plateau  *PlateauPolicy
}

// VariantStatus is the terminal outcome of one variant's execution.
type VariantStatus string

const (
	VariantSuccess   VariantStatus = "success"
	VariantFailed    VariantStatus = "failed"
	VariantCancelled VariantStatus = "cancelled"
	// VariantSkipped marks a variant never run because the plateau
	// policy aborted the remaining matrix.
	VariantSkipped VariantStatus = "skipped"
)

// VariantResult is the outcome recorded for one matrix row.
type VariantResult struct {
	Variant   TestVariant
	Status    VariantStatus
	StartedAt time.Time
	EndedAt   time.Time
	Error     string
}

// CommandStatus is the terminal status of a RemoteCommand.
type CommandStatus string

const (
	CommandPending    CommandStatus = "Pending"
	CommandInProgress CommandStatus = "InProgress"
	CommandSuccess    CommandStatus = "Success"
	CommandFailed     CommandStatus = "Failed"
	CommandCancelled  CommandStatus = "Cancelled"
	CommandTimedOut   CommandStatus = "TimedOut"
)

// IsTerminal reports whether a status represents command completion.
func (s CommandStatus) IsTerminal() bool {
	switch s {
	case CommandSuccess, CommandFailed, CommandCancelled, CommandTimedOut:
		return true
	default:
		return false
	}
}

// CommandResult is what Executor.Run returns once a command reaches a
// terminal status.
type CommandResult struct {
	Status   CommandStatus
	Stdout   string
	Stderr   string
	ExitCode int
}

// HostSnapshot is one host's resource-usage reading within a
// HealthSnapshot.
type HostSnapshot struct {
	HeapBytes int64
	GCPauses  int64
	CPUPct    float64
	MemPct    float64
}

// HealthSnapshot is one sampler scrape across all monitored hosts.
type HealthSnapshot struct {
	Timestamp time.Time
	PerHost   map[string]HostSnapshot
}

// ResourceKind partitions the reclaim target set by cloud dependency
// order.
type ResourceKind string

const (
	ResourceCompute       ResourceKind = "compute"
	ResourceVolume        ResourceKind = "volume"
	ResourceSecurityGroup ResourceKind = "security-group"
	ResourceSubnet        ResourceKind = "subnet"
	ResourceRouteTable    ResourceKind = "route-table"
	ResourceGateway       ResourceKind = "gateway"
	ResourceVPC           ResourceKind = "vpc"
)

// ReclaimPlan is the materialised set of tagged resources to destroy,
// partitioned by kind. It is transient: built fresh on each cleanup
// invocation and never persisted.
type ReclaimPlan struct {
	ExperimentID string
	ByKind       map[ResourceKind][]string
}

// Empty reports whether the plan has no resources of any kind.
func (p ReclaimPlan) Empty() bool {
	for _, ids := range p.ByKind {
		if len(ids) > 0 {
			return false
		}
	}
	return true
}

// Required tag keys every created resource must carry.
const (
	TagProject      = "Project"
	TagExperimentID = "ExperimentID"
	TagComponent    = "Component"
	TagManagedBy    = "ManagedBy"
)

// ManagedByValue is the constant ManagedBy tag value this orchestrator
// stamps on every resource it creates.
const ManagedByValue = "pulsarbench"
