package store

const schema = `
CREATE TABLE IF NOT EXISTS workspaces (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    managed_root TEXT NOT NULL,
    owner TEXT NOT NULL DEFAULT '',
    org TEXT NOT NULL DEFAULT '',
    project TEXT NOT NULL DEFAULT '',
    branch TEXT NOT NULL DEFAULT '',
    archived BOOLEAN DEFAULT FALSE,
    pinned BOOLEAN DEFAULT FALSE,
    active_session_id TEXT,
    active_workspace_repo_id TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS workspace_repos (
    id TEXT PRIMARY KEY,
    workspace_id TEXT NOT NULL REFERENCES workspaces(id),
    name TEXT NOT NULL,
    origin_url TEXT,
    setup_script TEXT,
    cleanup_script TEXT,
    archive_script TEXT,
    last_ensured_commit TEXT
);

CREATE INDEX IF NOT EXISTS idx_workspace_repos_workspace ON workspace_repos(workspace_id);

CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    workspace_id TEXT NOT NULL REFERENCES workspaces(id),
    title TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'active',
    branch TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

CREATE TABLE IF NOT EXISTS execution_processes (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES sessions(id),
    workspace_id TEXT NOT NULL REFERENCES workspaces(id),
    run_reason TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    lease_id TEXT,
    executor TEXT NOT NULL DEFAULT '',
    queued_follow_up_consumed BOOLEAN DEFAULT FALSE,
    pid INTEGER DEFAULT 0,
    started_at TIMESTAMP,
    finished_at TIMESTAMP,
    exit_code INTEGER
);

CREATE INDEX IF NOT EXISTS idx_executions_started_at ON execution_processes(session_id, started_at);

CREATE INDEX IF NOT EXISTS idx_executions_session ON execution_processes(session_id);
CREATE INDEX IF NOT EXISTS idx_executions_status ON execution_processes(status);

CREATE TABLE IF NOT EXISTS execution_repo_states (
    execution_id TEXT NOT NULL REFERENCES execution_processes(id),
    repo_id TEXT NOT NULL,
    before_head_commit TEXT,
    after_head_commit TEXT,
    PRIMARY KEY (execution_id, repo_id)
);

CREATE TABLE IF NOT EXISTS queued_messages (
    id TEXT PRIMARY KEY,
    session_id TEXT NOT NULL REFERENCES sessions(id),
    body TEXT NOT NULL,
    state TEXT NOT NULL DEFAULT 'queued',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_queued_messages_active
    ON queued_messages(session_id) WHERE state = 'queued';

CREATE TABLE IF NOT EXISTS approvals (
    id TEXT PRIMARY KEY,
    workspace_id TEXT NOT NULL DEFAULT '',
    session_id TEXT NOT NULL DEFAULT '',
    execution_id TEXT NOT NULL REFERENCES execution_processes(id),
    kind TEXT NOT NULL DEFAULT '',
    prompt TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    requested_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    expires_at TIMESTAMP NOT NULL,
    responded_at TIMESTAMP,
    responded_by TEXT
);

CREATE INDEX IF NOT EXISTS idx_approvals_execution ON approvals(execution_id);
CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);

CREATE TABLE IF NOT EXISTS device_enrollments (
    device_id TEXT PRIMARY KEY,
    public_key TEXT NOT NULL,
    enrolled_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    revoked BOOLEAN DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS runner_leases (
    id TEXT PRIMARY KEY,
    execution_id TEXT NOT NULL UNIQUE REFERENCES execution_processes(id),
    device_id TEXT NOT NULL DEFAULT '',
    runner_id TEXT NOT NULL,
    acquired_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    expires_at TIMESTAMP NOT NULL,
    heartbeat_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_runner_leases_expires ON runner_leases(expires_at);
`
