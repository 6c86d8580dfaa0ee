package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"assessline/internal/domain"
)

// Config models assessline.yml.
type Config struct {
	Frameworks    map[string]Framework `yaml:"frameworks"`
	Consensus     ConsensusConfig      `yaml:"consensus"`
	Workflow      WorkflowConfig       `yaml:"workflow"`
	Roles         RolesConfig          `yaml:"roles"`
	Blockers      BlockersConfig       `yaml:"blockers"`
	Versioning    VersioningConfig     `yaml:"versioning"`
	Notifications NotificationsConfig  `yaml:"notifications"`
}

type Framework struct {
	Title    string    `yaml:"title"`
	Sections []Section `yaml:"sections"`
}

type Section struct {
	ID         string     `yaml:"id"`
	Title      string     `yaml:"title"`
	Categories []Category `yaml:"categories"`
}

type Category struct {
	ID        string     `yaml:"id"`
	Title     string     `yaml:"title"`
	Questions []Question `yaml:"questions"`
}

type Question struct {
	ID        string                  `yaml:"id"`
	Text      string                  `yaml:"text"`
	Options   []float64               `yaml:"options"`
	Consensus domain.ResolutionMethod `yaml:"consensus"`
}

// PlacedQuestion is a question with the section and category holding it.
type PlacedQuestion struct {
	Question
	SectionID  string
	CategoryID string
}

type ConsensusConfig struct {
	Tolerance float64                 `yaml:"tolerance"`
	Method    domain.ResolutionMethod `yaml:"method"`
}

type WorkflowConfig struct {
	Stages []StageTemplate `yaml:"stages"`
}

type StageTemplate struct {
	ID               string           `yaml:"id"`
	Kind             domain.StageKind `yaml:"kind"`
	Name             string           `yaml:"name"`
	RequiredRoles    []string         `yaml:"required_roles"`
	ApprovalRequired bool             `yaml:"approval_required"`
	Weight           float64          `yaml:"weight"`
	DeadlineDays     int              `yaml:"deadline_days"`
}

type RolesConfig struct {
	Resolvers []string `yaml:"resolvers"`
	Approvers []string `yaml:"approvers"`
	Admins    []string `yaml:"admins"`
}

type BlockersConfig struct {
	CriticalOverdueHours int `yaml:"critical_overdue_hours"`
	DueSoonHours         int `yaml:"due_soon_hours"`
}

// CriticalOverdue is how long past a deadline an item turns critical.
func (b BlockersConfig) CriticalOverdue() time.Duration {
	if b.CriticalOverdueHours <= 0 {
		return 72 * time.Hour
	}
	return time.Duration(b.CriticalOverdueHours) * time.Hour
}

// DueSoon is the window before a deadline in which severity rises.
func (b BlockersConfig) DueSoon() time.Duration {
	if b.DueSoonHours <= 0 {
		return 48 * time.Hour
	}
	return time.Duration(b.DueSoonHours) * time.Hour
}

type VersioningConfig struct {
	AutoCommit bool `yaml:"auto_commit"`
}

type NotificationsConfig struct {
	Redis    RedisConfig     `yaml:"redis"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	// QueueSize bounds notifications waiting for delivery; 0 uses the default.
	QueueSize int `yaml:"queue_size"`
}

type RedisConfig struct {
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Framework returns the framework definition by id.
func (c *Config) Framework(id string) (Framework, bool) {
	f, ok := c.Frameworks[id]
	return f, ok
}

// Questions flattens the framework in declaration order.
func (f Framework) Questions() []PlacedQuestion {
	var out []PlacedQuestion
	for _, s := range f.Sections {
		for _, c := range s.Categories {
			for _, q := range c.Questions {
				out = append(out, PlacedQuestion{Question: q, SectionID: s.ID, CategoryID: c.ID})
			}
		}
	}
	return out
}

// Question looks up a question by id.
func (f Framework) Question(id string) (PlacedQuestion, bool) {
	for _, q := range f.Questions() {
		if q.ID == id {
			return q, true
		}
	}
	return PlacedQuestion{}, false
}

// QuestionsIn returns questions in any of the given sections or categories.
func (f Framework) QuestionsIn(sections, categories []string) []PlacedQuestion {
	sec := toSet(sections)
	cat := toSet(categories)
	var out []PlacedQuestion
	for _, q := range f.Questions() {
		if sec[q.SectionID] || cat[q.CategoryID] {
			out = append(out, q)
		}
	}
	return out
}

// MethodFor returns the consensus method of a question, falling back to the default.
func (c *Config) MethodFor(q Question) domain.ResolutionMethod {
	if q.Consensus != "" {
		return q.Consensus
	}
	if c.Consensus.Method != "" {
		return c.Consensus.Method
	}
	return domain.MethodAverage
}

// IsResolver reports whether role may settle conflicts.
func (c *Config) IsResolver(role string) bool { return contains(c.Roles.Resolvers, role) }

// IsApprover reports whether role may record stage approvals.
func (c *Config) IsApprover(role string) bool { return contains(c.Roles.Approvers, role) }

// IsAdmin reports whether role may reset the workflow.
func (c *Config) IsAdmin(role string) bool { return contains(c.Roles.Admins, role) }

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Frameworks) == 0 {
		return fmt.Errorf("config.frameworks is required")
	}
	for fid, f := range c.Frameworks {
		if fid == "" {
			return fmt.Errorf("config.frameworks contains empty framework id")
		}
		seen := map[string]string{}
		for _, s := range f.Sections {
			if s.ID == "" {
				return fmt.Errorf("framework %s has a section without id", fid)
			}
			for _, cat := range s.Categories {
				if cat.ID == "" {
					return fmt.Errorf("framework %s section %s has a category without id", fid, s.ID)
				}
				for _, q := range cat.Questions {
					if q.ID == "" {
						return fmt.Errorf("framework %s category %s has a question without id", fid, cat.ID)
					}
					if prev, dup := seen[q.ID]; dup {
						return fmt.Errorf("framework %s question %s declared in %s and %s", fid, q.ID, prev, cat.ID)
					}
					seen[q.ID] = cat.ID
					if q.Consensus != "" && !q.Consensus.Valid() {
						return fmt.Errorf("question %s has unknown consensus method %s", q.ID, q.Consensus)
					}
				}
			}
		}
	}
	if c.Consensus.Tolerance < 0 {
		return fmt.Errorf("config.consensus.tolerance must not be negative")
	}
	if c.Consensus.Method != "" && !c.Consensus.Method.Valid() {
		return fmt.Errorf("config.consensus.method %s is unknown", c.Consensus.Method)
	}
	if len(c.Workflow.Stages) == 0 {
		return fmt.Errorf("config.workflow.stages is required")
	}
	ids := map[string]bool{}
	for _, st := range c.Workflow.Stages {
		if st.ID == "" {
			return fmt.Errorf("config.workflow.stages contains empty stage id")
		}
		if ids[st.ID] {
			return fmt.Errorf("workflow stage %s declared twice", st.ID)
		}
		ids[st.ID] = true
		if !st.Kind.Valid() {
			return fmt.Errorf("workflow stage %s has unknown kind %s", st.ID, st.Kind)
		}
		if st.Weight < 0 {
			return fmt.Errorf("workflow stage %s has negative weight", st.ID)
		}
		for _, r := range st.RequiredRoles {
			if r == "" {
				return fmt.Errorf("workflow stage %s has empty required role", st.ID)
			}
		}
	}
	for _, hook := range c.Notifications.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.notifications.webhooks entry without url")
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "assessline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; write one with al config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct. It panics if the built-in
// template does not parse or validate.
func Default() *Config {
	return mustParse(defaultTemplate)
}

func mustParse(src string) *Config {
	cfg, err := FromYAML([]byte(src))
	if err != nil {
		panic(fmt.Sprintf("config: built-in template: %v", err))
	}
	return cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}

func contains(items []string, v string) bool {
	for _, it := range items {
		if it == v {
			return true
		}
	}
	return false
}

const defaultTemplate = `frameworks:
  baseline-controls:
    title: "Baseline security controls"
    sections:
      - id: governance
        title: "Governance"
        categories:
          - id: policies
            title: "Policies"
            questions:
              - id: GOV-1
                text: "An information security policy is approved and published"
                options: [0, 1, 2, 3, 4]
              - id: GOV-2
                text: "Policies are reviewed at planned intervals"
                options: [0, 1, 2, 3, 4]
          - id: risk
            title: "Risk management"
            questions:
              - id: RISK-1
                text: "A risk assessment process is defined"
                options: [0, 1, 2, 3, 4]
                consensus: lowest
      - id: operations
        title: "Operations"
        categories:
          - id: access
            title: "Access control"
            questions:
              - id: ACC-1
                text: "Access rights are reviewed"
                options: [0, 1, 2, 3, 4]
              - id: ACC-2
                text: "Privileged access is restricted"
                options: [0, 1, 2, 3, 4]
                consensus: reviewer-decision

consensus:
  tolerance: 1
  method: average

workflow:
  stages:
    - id: assessment
      kind: assessment
      name: "Self assessment"
      required_roles: [assessor]
      weight: 2
      deadline_days: 14
    - id: review
      kind: review
      name: "Peer review"
      required_roles: [reviewer]
      weight: 1
      deadline_days: 21
    - id: approval
      kind: approval
      name: "Sign-off"
      required_roles: [approver]
      approval_required: true
      weight: 1
      deadline_days: 28
    - id: completed
      kind: completed
      name: "Completed"
      weight: 0

roles:
  resolvers: [reviewer, approver]
  approvers: [approver]
  admins: [admin]

blockers:
  critical_overdue_hours: 72
  due_soon_hours: 48

versioning:
  auto_commit: false
`
