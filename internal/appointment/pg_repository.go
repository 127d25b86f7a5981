package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"

	bookedSlotIndex = "appointments_booked_slot_uniq"
)

// ErrSlotContended is returned when a concurrent booking for the same
// provider/day won the serializable transaction.
var ErrSlotContended = errors.New("time slot is being booked concurrently, please retry")

const pgAppointmentColumns = `
	id, patient_id, provider_id, day::text, time_slot, status, queue_number,
	is_emergency, reason_for_visit, notes, created_at, updated_at`

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient

	err := row.Scan(&p.ID, &p.Name, &p.Email, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	return &p, nil
}

func scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider

	err := row.Scan(&p.ID, &p.Name, &p.Department, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}

	return &p, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var status string

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.ProviderID,
		&a.Day,
		&a.TimeSlot,
		&status,
		&a.QueueNumber,
		&a.IsEmergency,
		&a.ReasonForVisit,
		&a.Notes,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Status = Status(status)
	return &a, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// mapWriteError turns constraint and isolation failures into booking errors.
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			if pgErr.ConstraintName == bookedSlotIndex {
				return ErrSlotFull
			}
			return ErrSlotContended
		case pgSerializationFailure:
			return ErrSlotContended
		}
	}
	return err
}

// Interface methods

// CreatePatient, CreateProvider and SetConfigValue are used by cmd/seed.
func (r *PgRepository) CreatePatient(ctx context.Context, p Patient) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO patients (id, name, email) VALUES ($1, $2, $3)
	`, p.ID, p.Name, p.Email)
	return err
}

func (r *PgRepository) CreateProvider(ctx context.Context, p Provider) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO providers (id, name, department) VALUES ($1, $2, $3)
	`, p.ID, p.Name, p.Department)
	return err
}

// AddPrescription records a clinical record against an appointment, which
// protects it from pruning.
func (r *PgRepository) AddPrescription(ctx context.Context, appointmentID uuid.UUID, diagnosis string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO prescriptions (id, appointment_id, diagnosis) VALUES ($1, $2, $3)
	`, uuid.New(), appointmentID, diagnosis)
	return err
}

func (r *PgRepository) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO system_config (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	return err
}

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetProviderByID(ctx context.Context, id uuid.UUID) (*Provider, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, department, created_at, updated_at
		FROM providers
		WHERE id = $1
	`, id)
	return scanProvider(row)
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `SELECT`+pgAppointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) ListForProviderDay(ctx context.Context, providerID uuid.UUID, day string) ([]QueueRow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.id, a.queue_number, a.status, a.is_emergency, a.time_slot, p.name
		FROM appointments a
		LEFT JOIN patients p ON p.id = a.patient_id
		WHERE a.provider_id = $1
		  AND a.day = $2::date
		ORDER BY a.queue_number ASC, a.created_at ASC, a.id ASC
	`, providerID, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []QueueRow
	for rows.Next() {
		var q QueueRow
		var status string
		if err := rows.Scan(&q.ID, &q.QueueNumber, &status, &q.IsEmergency, &q.TimeSlot, &q.PatronName); err != nil {
			return nil, err
		}
		q.Status = Status(status)
		result = append(result, q)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) FindActiveForPatient(ctx context.Context, patientID uuid.UUID, fromDay string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `SELECT`+pgAppointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		  AND status IN ('booked', 'in_consultation')
		  AND day >= $2::date
		ORDER BY day ASC, queue_number ASC
		LIMIT 1
	`, patientID, fromDay)
	return scanAppointment(row)
}

func (r *PgRepository) ListBookedSlots(ctx context.Context, providerID uuid.UUID, day string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT DISTINCT time_slot
		FROM appointments
		WHERE provider_id = $1
		  AND day = $2::date
		  AND status = 'booked'
	`, providerID, day)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (r *PgRepository) CreateBooking(ctx context.Context, req BookingRequest) (*Appointment, error) {
	var created *Appointment

	err := r.serializable(ctx, func(tx pgx.Tx) error {
		if err := pgCheckPatientRules(ctx, tx, req.PatientID, req.ProviderID, req.Day, req.TimeSlot, uuid.Nil); err != nil {
			return err
		}
		if err := pgCheckSlotFree(ctx, tx, req.ProviderID, req.Day, req.TimeSlot, uuid.Nil); err != nil {
			return err
		}
		next, err := pgNextQueueNumber(ctx, tx, req.ProviderID, req.Day)
		if err != nil {
			return err
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO appointments (
				id, patient_id, provider_id, day, time_slot, status, queue_number,
				is_emergency, reason_for_visit, created_at, updated_at
			)
			VALUES ($1, $2, $3, $4::date, $5, 'booked', $6, $7, $8, now(), now())
			RETURNING`+pgAppointmentColumns,
			uuid.New(), req.PatientID, req.ProviderID, req.Day, req.TimeSlot, next,
			req.IsEmergency, req.ReasonForVisit)

		created, err = scanAppointment(row)
		return err
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

func (r *PgRepository) Reschedule(ctx context.Context, id uuid.UUID, day, timeSlot string) (*Appointment, error) {
	var updated *Appointment

	err := r.serializable(ctx, func(tx pgx.Tx) error {
		existing, err := scanAppointment(tx.QueryRow(ctx, `SELECT`+pgAppointmentColumns+`
			FROM appointments
			WHERE id = $1
			FOR UPDATE
		`, id))
		if err != nil {
			return err
		}
		if existing.Status != StatusBooked {
			return ErrInvalidStatusTransition
		}

		if err := pgCheckPatientRules(ctx, tx, existing.PatientID, existing.ProviderID, day, timeSlot, id); err != nil {
			return err
		}
		if err := pgCheckSlotFree(ctx, tx, existing.ProviderID, day, timeSlot, id); err != nil {
			return err
		}
		next, err := pgNextQueueNumber(ctx, tx, existing.ProviderID, day)
		if err != nil {
			return err
		}

		updated, err = scanAppointment(tx.QueryRow(ctx, `
			UPDATE appointments
			SET day = $2::date,
			    time_slot = $3,
			    queue_number = $4,
			    updated_at = now()
			WHERE id = $1
			  AND status = 'booked'
			RETURNING`+pgAppointmentColumns,
			id, day, timeSlot, next))
		return err
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

func (r *PgRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, notes *string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    notes = COALESCE($4, notes),
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING`+pgAppointmentColumns,
		id, string(to), string(from), notes)

	return scanAppointment(row)
}

func (r *PgRepository) FindBookedBefore(ctx context.Context, day string) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `SELECT`+pgAppointmentColumns+`
		FROM appointments
		WHERE status = 'booked'
		  AND day < $1::date
	`, day)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) FindBookedOn(ctx context.Context, day string) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `SELECT`+pgAppointmentColumns+`
		FROM appointments
		WHERE status = 'booked'
		  AND day = $1::date
	`, day)
	if err != nil {
		return nil, err
	}
	return collectAppointments(rows)
}

func (r *PgRepository) FindPrunable(ctx context.Context, beforeDay string) ([]PrunableAppointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT a.id, a.day::text, COUNT(p.id)
		FROM appointments a
		LEFT JOIN prescriptions p ON p.appointment_id = a.id
		WHERE a.status = 'cancelled'
		  AND a.day < $1::date
		GROUP BY a.id, a.day
	`, beforeDay)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []PrunableAppointment
	for rows.Next() {
		var p PrunableAppointment
		if err := rows.Scan(&p.ID, &p.Day, &p.Dependents); err != nil {
			return nil, err
		}
		result = append(result, p)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func (r *PgRepository) DeleteAppointments(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.String()
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	// re-check inside the transaction so a prescription written since the
	// scan keeps its appointment
	tag, err := tx.Exec(ctx, `
		DELETE FROM appointments a
		WHERE a.id = ANY($1::uuid[])
		  AND a.status = 'cancelled'
		  AND NOT EXISTS (SELECT 1 FROM prescriptions p WHERE p.appointment_id = a.id)
	`, keys)
	if err != nil {
		return 0, fmt.Errorf("delete appointments: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}

	return tag.RowsAffected(), nil
}

func (r *PgRepository) InsertStatusLog(ctx context.Context, entry StatusLogEntry) error {
	var from *string
	if entry.FromStatus != nil {
		s := string(*entry.FromStatus)
		from = &s
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO appointment_status_logs (appointment_id, from_status, to_status, reason, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, entry.AppointmentID, from, string(entry.ToStatus), entry.Reason, nullableTime(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert status log: %w", err)
	}

	return nil
}

func (r *PgRepository) StatusLog(ctx context.Context, appointmentID uuid.UUID) ([]StatusLogEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, appointment_id, from_status, to_status, reason, created_at
		FROM appointment_status_logs
		WHERE appointment_id = $1
		ORDER BY id ASC
	`, appointmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []StatusLogEntry
	for rows.Next() {
		var e StatusLogEntry
		var from *string
		var to string
		if err := rows.Scan(&e.ID, &e.AppointmentID, &from, &to, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		if from != nil {
			s := Status(*from)
			e.FromStatus = &s
		}
		e.ToStatus = Status(to)
		result = append(result, e)
	}

	return result, rows.Err()
}

func (r *PgRepository) GetConfigValue(ctx context.Context, key string) (string, error) {
	var value string
	err := r.pool.QueryRow(ctx, `SELECT value FROM system_config WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrConfigNotFound
		}
		return "", err
	}
	return value, nil
}

// Ping reports store health.
func (r *PgRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PgRepository) serializable(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return mapWriteError(err)
	}

	return mapWriteError(tx.Commit(ctx))
}

func pgCheckPatientRules(ctx context.Context, tx pgx.Tx, patientID, providerID uuid.UUID, day, timeSlot string, exclude uuid.UUID) error {
	var sameDepartment, sameTime int
	err := tx.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (
				WHERE pr.department IS NOT NULL
				  AND pr.department = (SELECT department FROM providers WHERE id = $2)
			),
			COUNT(*) FILTER (WHERE a.time_slot = $4)
		FROM appointments a
		JOIN providers pr ON pr.id = a.provider_id
		WHERE a.patient_id = $1
		  AND a.day = $3::date
		  AND a.status = 'booked'
		  AND a.id <> $5
	`, patientID, providerID, day, timeSlot, exclude).Scan(&sameDepartment, &sameTime)
	if err != nil {
		return fmt.Errorf("check patient bookings: %w", err)
	}

	if sameDepartment > 0 {
		return ErrDuplicateDepartment
	}
	if sameTime > 0 {
		return ErrDuplicateTime
	}
	return nil
}

func pgCheckSlotFree(ctx context.Context, tx pgx.Tx, providerID uuid.UUID, day, timeSlot string, exclude uuid.UUID) error {
	var taken int
	err := tx.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM appointments
		WHERE provider_id = $1
		  AND day = $2::date
		  AND time_slot = $3
		  AND status = 'booked'
		  AND id <> $4
	`, providerID, day, timeSlot, exclude).Scan(&taken)
	if err != nil {
		return fmt.Errorf("check slot capacity: %w", err)
	}
	if taken >= slotCapacity {
		return ErrSlotFull
	}
	return nil
}

func pgNextQueueNumber(ctx context.Context, tx pgx.Tx, providerID uuid.UUID, day string) (int, error) {
	var next int
	err := tx.QueryRow(ctx, `
		SELECT COALESCE(MAX(queue_number), 0) + 1
		FROM appointments
		WHERE provider_id = $1
		  AND day = $2::date
	`, providerID, day).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("derive queue number: %w", err)
	}
	return next, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
