package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ListProjects returns all release projects ordered by name.
func (db Manager) ListProjects(ctx context.Context) ([]Project, error) {
	if db.dbpool == nil {
		return nil, errors.New("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := db.dbpool.Query(ctx,
		`SELECT id, name, bundle_id, repo_path, default_lane, created_at, updated_at
		FROM projects ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %v", err)
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.Name, &p.BundleID, &p.RepoPath, &p.DefaultLane, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan project: %v", err)
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// GetProject returns the project with the given id.
func (db Manager) GetProject(ctx context.Context, id int64) (Project, error) {
	if db.dbpool == nil {
		return Project{}, errors.New("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var p Project
	err := db.dbpool.QueryRow(ctx,
		`SELECT id, name, bundle_id, repo_path, default_lane, created_at, updated_at
		FROM projects WHERE id = $1`, id,
	).Scan(&p.ID, &p.Name, &p.BundleID, &p.RepoPath, &p.DefaultLane, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Project{}, fmt.Errorf("project %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Project{}, fmt.Errorf("failed to fetch project %d: %v", id, err)
	}
	return p, nil
}

// GetProjectByBundleID returns the project registered for the given bundle id.
func (db Manager) GetProjectByBundleID(ctx context.Context, bundleID string) (Project, error) {
	if db.dbpool == nil {
		return Project{}, errors.New("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var p Project
	err := db.dbpool.QueryRow(ctx,
		`SELECT id, name, bundle_id, repo_path, default_lane, created_at, updated_at
		FROM projects WHERE bundle_id = $1`, bundleID,
	).Scan(&p.ID, &p.Name, &p.BundleID, &p.RepoPath, &p.DefaultLane, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Project{}, fmt.Errorf("project for bundle id %q: %w", bundleID, ErrNotFound)
	}
	if err != nil {
		return Project{}, fmt.Errorf("failed to fetch project for bundle id %q: %v", bundleID, err)
	}
	return p, nil
}

// CreateProject inserts a new project and returns it with its assigned id.
func (db Manager) CreateProject(ctx context.Context, p Project) (Project, error) {
	if db.dbpool == nil {
		return Project{}, errors.New("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err := db.dbpool.QueryRow(ctx,
		`INSERT INTO projects (name, bundle_id, repo_path, default_lane)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`,
		p.Name, p.BundleID, p.RepoPath, p.DefaultLane,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Project{}, fmt.Errorf("failed to create project: %v", err)
	}
	return p, nil
}

// UpdateProject replaces the mutable fields of an existing project.
func (db Manager) UpdateProject(ctx context.Context, p Project) error {
	if db.dbpool == nil {
		return errors.New("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tag, err := db.dbpool.Exec(ctx,
		`UPDATE projects
		SET name = $2, bundle_id = $3, repo_path = $4, default_lane = $5, updated_at = now()
		WHERE id = $1`,
		p.ID, p.Name, p.BundleID, p.RepoPath, p.DefaultLane,
	)
	if err != nil {
		return fmt.Errorf("failed to update project %d: %v", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("project %d: %w", p.ID, ErrNotFound)
	}
	return nil
}

// DeleteProject removes the project with the given id.
func (db Manager) DeleteProject(ctx context.Context, id int64) error {
	if db.dbpool == nil {
		return errors.New("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tag, err := db.dbpool.Exec(ctx, `DELETE FROM projects WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete project %d: %v", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("project %d: %w", id, ErrNotFound)
	}
	return nil
}

// GetRelease returns the synced release with the given id.
func (db Manager) GetRelease(ctx context.Context, id int64) (Release, error) {
	if db.dbpool == nil {
		return Release{}, errors.New("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var r Release
	err := db.dbpool.QueryRow(ctx,
		`SELECT id, hap_row_id, COALESCE(app_name, ''), COALESCE(bundle_id, ''),
			COALESCE(version, ''), COALESCE(status, ''), COALESCE(account_email, ''),
			synced_from_hap_at
		FROM releases WHERE id = $1`, id,
	).Scan(&r.ID, &r.HapRowID, &r.AppName, &r.BundleID, &r.Version, &r.Status, &r.AccountEmail, &r.SyncedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Release{}, fmt.Errorf("release %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Release{}, fmt.Errorf("failed to fetch release %d: %v", id, err)
	}
	return r, nil
}

// ListApps returns synced apps for dashboard reads, newest sync first.
func (db Manager) ListApps(ctx context.Context, limit, offset int) ([]App, error) {
	if db.dbpool == nil {
		return nil, errors.New("database not initialized")
	}
	if limit <= 0 {
		limit = 50
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	rows, err := db.dbpool.Query(ctx,
		`SELECT id, hap_row_id, COALESCE(app_name, ''), COALESCE(app_id, ''),
			COALESCE(bundle_id, ''), COALESCE(account_email, ''), COALESCE(status, ''),
			COALESCE(store_link, ''), monitored, removal_time, synced_from_hap_at
		FROM apps
		ORDER BY synced_from_hap_at DESC NULLS LAST, id
		LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list apps: %v", err)
	}
	defer rows.Close()

	var apps []App
	for rows.Next() {
		var a App
		if err := rows.Scan(&a.ID, &a.HapRowID, &a.AppName, &a.AppID, &a.BundleID,
			&a.AccountEmail, &a.Status, &a.StoreLink, &a.Monitored, &a.RemovalTime, &a.SyncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan app: %v", err)
		}
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

// SetAppMonitor toggles the monitor flag on an app.
func (db Manager) SetAppMonitor(ctx context.Context, id int64, monitored bool) error {
	if db.dbpool == nil {
		return errors.New("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	tag, err := db.dbpool.Exec(ctx, `UPDATE apps SET monitored = $2 WHERE id = $1`, id, monitored)
	if err != nil {
		return fmt.Errorf("failed to set monitor flag on app %d: %v", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("app %d: %w", id, ErrNotFound)
	}
	return nil
}

// AppendOperation appends one entry to the operation log.
func (db Manager) AppendOperation(ctx context.Context, op Operation) error {
	if db.dbpool == nil {
		return errors.New("database not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := db.dbpool.Exec(ctx,
		`INSERT INTO operation_log (kind, subject, requester, succeeded, detail)
		VALUES ($1, $2, $3, $4, $5)`,
		op.Kind, op.Subject, op.Requester, op.Succeeded, op.Detail,
	)
	if err != nil {
		return fmt.Errorf("failed to append operation log entry: %v", err)
	}
	return nil
}
