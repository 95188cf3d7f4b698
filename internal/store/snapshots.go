package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fluidnet/sim/internal/fluid"
)

// Record identifies one persisted snapshot.
type Record struct {
	ID      int64
	Tick    uint64
	SavedAt time.Time
}

var childTables = []string{"fluid_types", "containers", "container_masses", "pipes"}

// Save writes the snapshot in a single transaction and returns its record.
func (s *Store) Save(ctx context.Context, snap fluid.Snapshot, savedAt time.Time) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	savedAt = savedAt.UTC()
	result, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (tick, saved_at, gamma, flow_coefficient, creation_threshold) VALUES (?, ?, ?, ?, ?)`,
		int64(snap.Tick), savedAt, number(snap.Gamma), number(snap.FlowCoefficient), number(snap.CreationThreshold),
	)
	if err != nil {
		return Record{}, fmt.Errorf("insert snapshot: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return Record{}, err
	}

	//1.- Types keep their registration order as the type ID.
	for ty, def := range snap.Types {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO fluid_types (snapshot_id, type_id, viscosity, vacuum_specific_volume, critical_pressure, saturation_gamma) VALUES (?, ?, ?, ?, ?, ?)`,
			id, ty, number(def.Viscosity), number(def.VacuumSpecificVolume), number(def.CriticalPressure), number(def.SaturationGamma),
		)
		if err != nil {
			return Record{}, fmt.Errorf("insert type %d: %w", ty, err)
		}
	}

	//2.- Containers and every existing mass slot, empty ones included.
	for _, c := range snap.Containers {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO containers (snapshot_id, container_id, max_volume, max_pressure, volume, pressure, phase) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, int64(c.ID), number(c.MaxVolume), number(c.MaxPressure), number(c.Volume), number(c.Pressure), c.Phase.String(),
		)
		if err != nil {
			return Record{}, fmt.Errorf("insert container %d: %w", c.ID, err)
		}
		for ty, mass := range c.Masses {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO container_masses (snapshot_id, container_id, type_id, mass) VALUES (?, ?, ?, ?)`,
				id, int64(c.ID), int64(ty), number(mass),
			)
			if err != nil {
				return Record{}, fmt.Errorf("insert mass %d/%d: %w", c.ID, ty, err)
			}
		}
	}

	for _, p := range snap.Pipes {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO pipes (snapshot_id, pipe_id, alpha, beta, radius, length, static_resistance, dynamic_resistance, flow_factor) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, int64(p.ID), int64(p.Alpha), int64(p.Beta), number(p.Radius), number(p.Length), number(p.Static), number(p.Dynamic), number(p.FlowFactor),
		)
		if err != nil {
			return Record{}, fmt.Errorf("insert pipe %d: %w", p.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit save: %w", err)
	}
	return Record{ID: id, Tick: snap.Tick, SavedAt: savedAt}, nil
}

// Records lists saved snapshots newest first.
func (s *Store) Records(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, tick, saved_at FROM snapshots ORDER BY id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var tick int64
		if err := rows.Scan(&r.ID, &tick, &r.SavedAt); err != nil {
			return nil, err
		}
		r.Tick = uint64(tick)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Latest loads the most recently saved snapshot.
func (s *Store) Latest(ctx context.Context) (fluid.Snapshot, Record, error) {
	var rec Record
	var tick int64
	var gamma, coefficient, threshold number
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tick, saved_at, gamma, flow_coefficient, creation_threshold FROM snapshots ORDER BY id DESC LIMIT 1`,
	).Scan(&rec.ID, &tick, &rec.SavedAt, &gamma, &coefficient, &threshold)
	if errors.Is(err, sql.ErrNoRows) {
		return fluid.Snapshot{}, Record{}, ErrNoSnapshot
	}
	if err != nil {
		return fluid.Snapshot{}, Record{}, fmt.Errorf("load snapshot: %w", err)
	}
	rec.Tick = uint64(tick)
	snap := fluid.Snapshot{
		Tick:              rec.Tick,
		Gamma:             float64(gamma),
		FlowCoefficient:   float64(coefficient),
		CreationThreshold: float64(threshold),
	}
	if snap.Types, err = s.loadTypes(ctx, rec.ID); err != nil {
		return fluid.Snapshot{}, Record{}, err
	}
	if snap.Containers, err = s.loadContainers(ctx, rec.ID); err != nil {
		return fluid.Snapshot{}, Record{}, err
	}
	if snap.Pipes, err = s.loadPipes(ctx, rec.ID); err != nil {
		return fluid.Snapshot{}, Record{}, err
	}
	return snap, rec, nil
}

func (s *Store) loadTypes(ctx context.Context, id int64) ([]fluid.TypeDef, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT type_id, viscosity, vacuum_specific_volume, critical_pressure, saturation_gamma FROM fluid_types WHERE snapshot_id = ? ORDER BY type_id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("load types: %w", err)
	}
	defer rows.Close()

	var defs []fluid.TypeDef
	for rows.Next() {
		var ty int
		var viscosity, vsv, critical, gamma number
		if err := rows.Scan(&ty, &viscosity, &vsv, &critical, &gamma); err != nil {
			return nil, err
		}
		//1.- Type IDs are dense; a gap means the rows were tampered with.
		if ty != len(defs) {
			return nil, fmt.Errorf("load types: expected type %d, found %d", len(defs), ty)
		}
		defs = append(defs, fluid.TypeDef{
			Viscosity:            float64(viscosity),
			VacuumSpecificVolume: float64(vsv),
			CriticalPressure:     float64(critical),
			SaturationGamma:      float64(gamma),
		})
	}
	return defs, rows.Err()
}

func (s *Store) loadContainers(ctx context.Context, id int64) ([]fluid.ContainerSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT container_id, max_volume, max_pressure, volume, pressure, phase FROM containers WHERE snapshot_id = ? ORDER BY container_id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("load containers: %w", err)
	}
	var containers []fluid.ContainerSnapshot
	index := make(map[fluid.ContainerID]int)
	for rows.Next() {
		var cid int64
		var maxVolume, maxPressure, volume, pressure number
		var phase string
		if err := rows.Scan(&cid, &maxVolume, &maxPressure, &volume, &pressure, &phase); err != nil {
			rows.Close()
			return nil, err
		}
		parsed, err := fluid.ParsePhase(phase)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("container %d: %w", cid, err)
		}
		index[fluid.ContainerID(cid)] = len(containers)
		containers = append(containers, fluid.ContainerSnapshot{
			ID:          fluid.ContainerID(cid),
			MaxVolume:   float64(maxVolume),
			MaxPressure: float64(maxPressure),
			Volume:      float64(volume),
			Pressure:    float64(pressure),
			Phase:       parsed,
			Masses:      make(map[fluid.TypeID]float64),
		})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	//1.- Masses are read after the container cursor is closed; the pool holds one connection.
	masses, err := s.db.QueryContext(ctx,
		`SELECT container_id, type_id, mass FROM container_masses WHERE snapshot_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("load masses: %w", err)
	}
	defer masses.Close()
	for masses.Next() {
		var cid, ty int64
		var mass number
		if err := masses.Scan(&cid, &ty, &mass); err != nil {
			return nil, err
		}
		i, ok := index[fluid.ContainerID(cid)]
		if !ok {
			return nil, fmt.Errorf("mass row for unknown container %d", cid)
		}
		containers[i].Masses[fluid.TypeID(ty)] = float64(mass)
	}
	return containers, masses.Err()
}

func (s *Store) loadPipes(ctx context.Context, id int64) ([]fluid.PipeSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT pipe_id, alpha, beta, radius, length, static_resistance, dynamic_resistance, flow_factor FROM pipes WHERE snapshot_id = ? ORDER BY pipe_id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("load pipes: %w", err)
	}
	defer rows.Close()

	var pipes []fluid.PipeSnapshot
	for rows.Next() {
		var pid, alpha, beta int64
		var radius, length, static, dynamic, flow number
		if err := rows.Scan(&pid, &alpha, &beta, &radius, &length, &static, &dynamic, &flow); err != nil {
			return nil, err
		}
		pipes = append(pipes, fluid.PipeSnapshot{
			ID:         fluid.PipeID(pid),
			Alpha:      fluid.ContainerID(alpha),
			Beta:       fluid.ContainerID(beta),
			Radius:     float64(radius),
			Length:     float64(length),
			Static:     float64(static),
			Dynamic:    float64(dynamic),
			FlowFactor: float64(flow),
		})
	}
	return pipes, rows.Err()
}

// Prune keeps the newest keep snapshots and deletes the rest. It returns how many were removed.
func (s *Store) Prune(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer tx.Rollback()

	const stale = `SELECT id FROM snapshots ORDER BY id DESC LIMIT -1 OFFSET ?`
	for _, table := range childTables {
		query := fmt.Sprintf(`DELETE FROM %s WHERE snapshot_id IN (%s)`, table, stale)
		if _, err := tx.ExecContext(ctx, query, keep); err != nil {
			return 0, fmt.Errorf("prune %s: %w", table, err)
		}
	}
	result, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE id IN (`+stale+`)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune snapshots: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return int(removed), nil
}
