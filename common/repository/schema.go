package repository

// Schema is the full DDL for the core tables. Applied by full_rebuild and by
// fresh development databases; production migrations are managed outside the
// core.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
    id UUID PRIMARY KEY,
    email TEXT NOT NULL,
    role TEXT NOT NULL DEFAULT 'USER',
    display_name TEXT,
    avatar_url TEXT,
    prefs JSONB NOT NULL DEFAULT '{}',
    gmail_refresh_token BYTEA,
    context JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS users_email_lower_idx ON users (lower(email));

CREATE TABLE IF NOT EXISTS agents (
    id UUID PRIMARY KEY,
    owner_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    system_instructions TEXT NOT NULL DEFAULT '',
    task_instructions TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'IDLE',
    schedule TEXT,
    config JSONB NOT NULL DEFAULT '{}',
    allowed_tools JSONB,
    next_run_at TIMESTAMPTZ,
    last_run_at TIMESTAMPTZ,
    last_error TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS threads (
    id UUID PRIMARY KEY,
    agent_id UUID NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
    title TEXT NOT NULL DEFAULT '',
    active BOOLEAN NOT NULL DEFAULT false,
    agent_state JSONB NOT NULL DEFAULT '{}',
    memory_strategy TEXT NOT NULL DEFAULT 'full',
    thread_type TEXT NOT NULL DEFAULT 'CHAT',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS threads_one_active_idx ON threads (agent_id) WHERE active;

CREATE TABLE IF NOT EXISTS thread_messages (
    id BIGSERIAL PRIMARY KEY,
    thread_id UUID NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
    role TEXT NOT NULL,
    content TEXT NOT NULL DEFAULT '',
    tool_calls JSONB,
    tool_call_id TEXT,
    name TEXT,
    sent_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    processed BOOLEAN NOT NULL DEFAULT false,
    parent_id BIGINT,
    message_metadata JSONB
);
CREATE INDEX IF NOT EXISTS thread_messages_thread_idx ON thread_messages (thread_id, id);

CREATE TABLE IF NOT EXISTS agent_runs (
    id UUID PRIMARY KEY,
    agent_id UUID NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
    thread_id UUID NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
    trigger TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'QUEUED',
    started_at TIMESTAMPTZ,
    finished_at TIMESTAMPTZ,
    duration_ms BIGINT,
    total_tokens BIGINT,
    total_cost_usd DOUBLE PRECISION,
    error TEXT,
    summary TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS agent_runs_agent_idx ON agent_runs (agent_id, created_at);

CREATE TABLE IF NOT EXISTS triggers (
    id UUID PRIMARY KEY,
    agent_id UUID NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
    type TEXT NOT NULL,
    secret BYTEA NOT NULL,
    config JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS workflows (
    id UUID PRIMARY KEY,
    owner_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    description TEXT,
    canvas JSONB NOT NULL DEFAULT '{"nodes":[],"edges":[]}',
    is_active BOOLEAN NOT NULL DEFAULT true,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE UNIQUE INDEX IF NOT EXISTS workflows_owner_name_active_idx
    ON workflows (owner_id, name) WHERE is_active;

CREATE TABLE IF NOT EXISTS workflow_executions (
    id UUID PRIMARY KEY,
    workflow_id UUID NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
    phase TEXT NOT NULL DEFAULT 'WAITING',
    result TEXT,
    attempt_no INT NOT NULL DEFAULT 1,
    failure_kind TEXT,
    error_message TEXT,
    triggered_by TEXT NOT NULL DEFAULT 'manual',
    started_at TIMESTAMPTZ,
    finished_at TIMESTAMPTZ,
    heartbeat_ts TIMESTAMPTZ,
    CONSTRAINT execution_phase_result CHECK ((phase = 'FINISHED') = (result IS NOT NULL))
);

CREATE TABLE IF NOT EXISTS node_execution_states (
    id UUID PRIMARY KEY,
    execution_id UUID NOT NULL REFERENCES workflow_executions(id) ON DELETE CASCADE,
    node_id TEXT NOT NULL,
    phase TEXT NOT NULL DEFAULT 'RUNNING',
    result TEXT,
    error_message TEXT,
    output JSONB,
    started_at TIMESTAMPTZ,
    finished_at TIMESTAMPTZ,
    CONSTRAINT node_phase_result CHECK ((phase = 'FINISHED') = (result IS NOT NULL))
);
CREATE UNIQUE INDEX IF NOT EXISTS node_states_execution_node_idx
    ON node_execution_states (execution_id, node_id);

CREATE TABLE IF NOT EXISTS worker_jobs (
    id UUID PRIMARY KEY,
    owner_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    task TEXT NOT NULL,
    model TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'queued',
    worker_id TEXT,
    error TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    started_at TIMESTAMPTZ,
    finished_at TIMESTAMPTZ
);
`

// coreTables lists every table the core owns, in dependency order.
// clear_data truncates all of them except users; full_rebuild drops them all.
var coreTables = []string{
	"worker_jobs",
	"node_execution_states",
	"workflow_executions",
	"workflows",
	"triggers",
	"agent_runs",
	"thread_messages",
	"threads",
	"agents",
	"users",
}

// protectedTables are never touched by clear_data
var protectedTables = map[string]bool{
	"users":             true,
	"schema_migrations": true,
}
