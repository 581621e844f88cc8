// Package orchestrator is the root router: it discovers projects in
// the workspace, spawns per-project workers, serves orchestrator
// commands over request-reply, and aggregates every agent's events
// onto its own stream.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cogentd/pkg/envelope"
	"github.com/fyrsmithlabs/cogentd/pkg/transport"
)

// ProjectState is the lifecycle state of a registered project.
type ProjectState string

const (
	ProjectPending ProjectState = "pending"
	ProjectRunning ProjectState = "running"
	ProjectIdle    ProjectState = "idle"
	ProjectError   ProjectState = "error"
	ProjectStopped ProjectState = "stopped"
)

const defaultMonitorInterval = time.Minute

// Project is one registered project. The orchestrator is the single
// writer of this structure.
type Project struct {
	ID           string
	Name         string
	WorkingArea  string
	Path         string
	State        ProjectState
	CurrentTask  string
	CreatedAt    time.Time
	LastActivity time.Time

	worker Worker
}

// Options configures an orchestrator.
type Options struct {
	// OrchestratorID is the agent id commands and events use.
	OrchestratorID  string
	WorkspaceDir    string
	MonitorInterval time.Duration
}

// Orchestrator routes commands to project workers and aggregates
// their events.
type Orchestrator struct {
	opts      Options
	nc        *nats.Conn
	newWorker WorkerFactory
	logger    *zap.Logger

	mu       sync.Mutex
	projects map[string]*Project
	areas    map[string]string // name -> path

	subs []*nats.Subscription

	monCancel context.CancelFunc
	monDone   chan struct{}
}

// New creates an orchestrator. The factory builds workers lazily on
// first task assignment.
func New(nc *nats.Conn, opts Options, factory WorkerFactory, logger *zap.Logger) *Orchestrator {
	if opts.MonitorInterval == 0 {
		opts.MonitorInterval = defaultMonitorInterval
	}
	return &Orchestrator{
		opts:      opts,
		nc:        nc,
		newWorker: factory,
		logger:    logger.Named("orchestrator").With(zap.String("orchestrator_id", opts.OrchestratorID)),
		projects:  make(map[string]*Project),
		areas:     make(map[string]string),
	}
}

// Start discovers projects, subscribes to the command subject and the
// agent event wildcard, and launches the monitor loop.
func (o *Orchestrator) Start() error {
	if err := o.Discover(); err != nil {
		return err
	}

	sub, err := o.nc.Subscribe(transport.OrchestratorCommandSubject(o.opts.OrchestratorID), o.handleCommand)
	if err != nil {
		return fmt.Errorf("subscribe command subject: %w", err)
	}
	o.subs = append(o.subs, sub)

	sub, err = o.nc.Subscribe(transport.EventWildcard, o.handleAgentEvent)
	if err != nil {
		return fmt.Errorf("subscribe agent events: %w", err)
	}
	o.subs = append(o.subs, sub)

	ctx, cancel := context.WithCancel(context.Background())
	o.monCancel = cancel
	o.monDone = make(chan struct{})
	go o.monitorLoop(ctx)

	o.mu.Lock()
	areas, projects := len(o.areas), len(o.projects)
	o.mu.Unlock()
	o.logger.Info("orchestrator started",
		zap.Int("working_areas", areas), zap.Int("projects", projects))
	return nil
}

// Shutdown stops the monitor loop and every running worker.
func (o *Orchestrator) Shutdown() {
	o.logger.Info("shutting down orchestrator")

	if o.monCancel != nil {
		o.monCancel()
		<-o.monDone
		o.monCancel = nil
	}

	for _, sub := range o.subs {
		_ = sub.Unsubscribe()
	}
	o.subs = nil

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range o.projects {
		if p.worker != nil {
			p.worker.Stop()
			p.worker = nil
			p.State = ProjectStopped
		}
	}
}

// Discover scans the workspace for working areas (level-1 directories)
// and projects (level-2 directories), skipping dotted names. Running
// workers survive rediscovery; re-running on an unchanged tree yields
// an identical registry.
func (o *Orchestrator) Discover() error {
	workspace := o.opts.WorkspaceDir

	if _, err := os.Stat(workspace); os.IsNotExist(err) {
		if err := os.MkdirAll(workspace, 0o755); err != nil {
			return fmt.Errorf("create workspace %s: %w", workspace, err)
		}
		o.logger.Info("created workspace directory", zap.String("path", workspace))
		return nil
	}

	entries, err := os.ReadDir(workspace)
	if err != nil {
		return fmt.Errorf("read workspace %s: %w", workspace, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	areas := make(map[string]string)
	projects := make(map[string]*Project)
	now := time.Now().UTC()

	for _, area := range entries {
		if !area.IsDir() || strings.HasPrefix(area.Name(), ".") {
			continue
		}
		areaPath := filepath.Join(workspace, area.Name())
		areas[area.Name()] = areaPath

		children, err := os.ReadDir(areaPath)
		if err != nil {
			o.logger.Warn("skipping unreadable working area",
				zap.String("area", area.Name()), zap.Error(err))
			continue
		}
		for _, child := range children {
			if !child.IsDir() || strings.HasPrefix(child.Name(), ".") {
				continue
			}
			id := area.Name() + "/" + child.Name()
			if existing, ok := o.projects[id]; ok {
				projects[id] = existing
				continue
			}
			projects[id] = &Project{
				ID:           id,
				Name:         child.Name(),
				WorkingArea:  area.Name(),
				Path:         filepath.Join(areaPath, child.Name()),
				State:        ProjectPending,
				CreatedAt:    now,
				LastActivity: now,
			}
		}
	}

	o.areas = areas
	o.projects = projects
	return nil
}

// Projects returns a snapshot of the registry.
func (o *Orchestrator) Projects() []*Project {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Project, 0, len(o.projects))
	for _, p := range o.projects {
		copied := *p
		copied.worker = nil
		out = append(out, &copied)
	}
	return out
}

// PublishEvent publishes an envelope on the orchestrator's own event
// stream. Workers receive this as their PublishFunc.
func (o *Orchestrator) PublishEvent(kind envelope.Kind, payload map[string]any) error {
	return o.publishEvent(kind, payload)
}

func (o *Orchestrator) publishEvent(kind envelope.Kind, payload map[string]any) error {
	env := envelope.New(kind, o.opts.OrchestratorID, payload)
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return o.nc.Publish(transport.EventSubject(o.opts.OrchestratorID, kind), data)
}

// handleAgentEvent aggregates every agent's events onto the
// orchestrator stream. The orchestrator's own events are skipped, or
// the forward would feed itself forever.
func (o *Orchestrator) handleAgentEvent(msg *nats.Msg) {
	agentID := transport.AgentFromSubject(msg.Subject)
	if agentID == "" || agentID == o.opts.OrchestratorID {
		return
	}

	var payload any
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		payload = string(msg.Data)
	}

	err := o.publishEvent(envelope.KindAgentMessage, map[string]any{
		"source_agent":     agentID,
		"original_subject": msg.Subject,
		"payload":          payload,
	})
	if err != nil {
		o.logger.Warn("event aggregation publish failed",
			zap.String("subject", msg.Subject), zap.Error(err))
	}
}

// handleCommand dispatches one orchestrator command and replies with
// the handler's response.
func (o *Orchestrator) handleCommand(msg *nats.Msg) {
	env, err := envelope.Decode(msg.Data)
	if err != nil {
		o.logger.Warn("undecodable orchestrator command", zap.Error(err))
		return
	}

	command, _ := env.Payload["command"].(string)
	o.logger.Info("received command", zap.String("command", command))

	var resp map[string]any
	switch command {
	case "list_projects":
		resp = o.listProjects()
	case "create_project":
		resp = o.createProject(env.Payload)
	case "assign_task":
		resp = o.assignTask(env.Payload)
	case "get_project_status":
		resp = o.projectStatus(env.Payload)
	case "stop_project":
		resp = o.stopProject(env.Payload)
	default:
		resp = map[string]any{"success": false, "error": fmt.Sprintf("unknown command: %s", command)}
	}

	if msg.Reply == "" {
		return
	}
	reply := envelope.New(envelope.KindTaskCompleted, o.opts.OrchestratorID, resp).
		WithCorrelation(env.CorrelationID)
	data, err := reply.Encode()
	if err != nil {
		o.logger.Error("encode reply failed", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		o.logger.Error("send reply failed", zap.Error(err))
	}
}

func (o *Orchestrator) listProjects() map[string]any {
	o.mu.Lock()
	defer o.mu.Unlock()

	projects := make([]map[string]any, 0, len(o.projects))
	for _, p := range o.projects {
		projects = append(projects, map[string]any{
			"project_id":    p.ID,
			"name":          p.Name,
			"working_area":  p.WorkingArea,
			"state":         string(p.State),
			"current_task":  p.CurrentTask,
			"last_activity": p.LastActivity.Format(time.RFC3339),
		})
	}
	return map[string]any{"success": true, "projects": projects}
}

func (o *Orchestrator) createProject(payload map[string]any) map[string]any {
	area, _ := payload["working_area"].(string)
	if area == "" {
		area = "default"
	}
	name, _ := payload["name"].(string)
	if name == "" {
		return map[string]any{"success": false, "error": "project name required"}
	}

	areaPath := filepath.Join(o.opts.WorkspaceDir, area)
	projectPath := filepath.Join(areaPath, name)

	if _, err := os.Stat(projectPath); err == nil {
		return map[string]any{"success": false, "error": fmt.Sprintf("project %s already exists", name)}
	}
	if err := os.MkdirAll(projectPath, 0o755); err != nil {
		return map[string]any{"success": false, "error": err.Error()}
	}

	id := area + "/" + name
	now := time.Now().UTC()

	o.mu.Lock()
	o.areas[area] = areaPath
	o.projects[id] = &Project{
		ID:           id,
		Name:         name,
		WorkingArea:  area,
		Path:         projectPath,
		State:        ProjectPending,
		CreatedAt:    now,
		LastActivity: now,
	}
	o.mu.Unlock()

	o.logger.Info("created project", zap.String("project_id", id))
	return map[string]any{"success": true, "project_id": id, "path": projectPath}
}

func (o *Orchestrator) assignTask(payload map[string]any) map[string]any {
	projectID, _ := payload["project_id"].(string)
	prompt, _ := payload["prompt"].(string)
	if projectID == "" || prompt == "" {
		return map[string]any{"success": false, "error": "project_id and prompt required"}
	}

	o.mu.Lock()
	p, ok := o.projects[projectID]
	if !ok {
		o.mu.Unlock()
		return map[string]any{"success": false, "error": fmt.Sprintf("project not found: %s", projectID)}
	}

	if p.worker == nil {
		worker, err := o.newWorker(p.ID, p.Path, p.WorkingArea)
		if err != nil {
			o.mu.Unlock()
			return map[string]any{"success": false, "error": fmt.Sprintf("start worker: %v", err)}
		}
		if err := worker.Start(); err != nil {
			o.mu.Unlock()
			return map[string]any{"success": false, "error": fmt.Sprintf("start worker: %v", err)}
		}
		p.worker = worker
		p.State = ProjectRunning
	}

	taskID := uuid.NewString()[:8]
	p.CurrentTask = taskID
	p.LastActivity = time.Now().UTC()
	worker := p.worker
	o.mu.Unlock()

	go o.runTask(projectID, worker, prompt, taskID)

	return map[string]any{"success": true, "task_id": taskID, "project_id": projectID}
}

// runTask executes one assigned task asynchronously and reports the
// terminal event on the orchestrator stream.
func (o *Orchestrator) runTask(projectID string, worker Worker, prompt, taskID string) {
	err := worker.Execute(context.Background(), prompt, taskID)

	o.mu.Lock()
	if p, ok := o.projects[projectID]; ok {
		p.CurrentTask = ""
		p.LastActivity = time.Now().UTC()
		if err != nil {
			p.State = ProjectError
		}
	}
	o.mu.Unlock()

	if err != nil {
		o.logger.Error("task failed",
			zap.String("project_id", projectID), zap.String("task_id", taskID), zap.Error(err))
		if pubErr := o.publishEvent(envelope.KindTaskFailed, map[string]any{
			"project_id": projectID,
			"task_id":    taskID,
			"success":    false,
			"error":      err.Error(),
		}); pubErr != nil {
			o.logger.Warn("task event publish failed", zap.Error(pubErr))
		}
		return
	}

	if pubErr := o.publishEvent(envelope.KindTaskCompleted, map[string]any{
		"project_id": projectID,
		"task_id":    taskID,
		"success":    true,
	}); pubErr != nil {
		o.logger.Warn("task event publish failed", zap.Error(pubErr))
	}
}

func (o *Orchestrator) projectStatus(payload map[string]any) map[string]any {
	projectID, _ := payload["project_id"].(string)

	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.projects[projectID]
	if !ok {
		return map[string]any{"success": false, "error": fmt.Sprintf("project not found: %s", projectID)}
	}
	return map[string]any{
		"success":      true,
		"project_id":   p.ID,
		"name":         p.Name,
		"state":        string(p.State),
		"current_task": p.CurrentTask,
		"has_agent":    p.worker != nil,
	}
}

func (o *Orchestrator) stopProject(payload map[string]any) map[string]any {
	projectID, _ := payload["project_id"].(string)

	o.mu.Lock()
	p, ok := o.projects[projectID]
	if !ok {
		o.mu.Unlock()
		return map[string]any{"success": false, "error": fmt.Sprintf("project not found: %s", projectID)}
	}
	worker := p.worker
	p.worker = nil
	if worker != nil {
		p.State = ProjectStopped
	}
	o.mu.Unlock()

	if worker != nil {
		worker.Stop()
	}
	return map[string]any{"success": true, "project_id": projectID}
}

// monitorLoop flips running projects with unresponsive workers to the
// error state. Errors are logged and swallowed; only ctx stops it.
func (o *Orchestrator) monitorLoop(ctx context.Context) {
	defer close(o.monDone)

	ticker := time.NewTicker(o.opts.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.mu.Lock()
			for _, p := range o.projects {
				if p.State == ProjectRunning && p.worker != nil && !p.worker.Ready() {
					p.State = ProjectError
					o.logger.Warn("project worker unresponsive",
						zap.String("project_id", p.ID))
				}
			}
			o.mu.Unlock()
		}
	}
}
