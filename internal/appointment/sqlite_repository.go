package appointment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// fixed width so that text ordering matches time ordering
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

const sqliteAppointmentColumns = `
	id, patient_id, provider_id, day, time_slot, status, queue_number,
	is_emergency, reason_for_visit, notes, created_at, updated_at`

// SQLiteRepository backs the local single-process mode. The connection pool
// must be limited to one connection (see db.OpenSQLite) so that transactions
// are serialized.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

type sqlRow interface {
	Scan(dest ...any) error
}

type sqlQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *SQLiteRepository) timestamp() string {
	return r.now().UTC().Format(sqliteTimeLayout)
}

func parseSQLiteTime(s string) (time.Time, error) {
	return time.Parse(sqliteTimeLayout, s)
}

func scanSQLiteAppointment(row sqlRow) (*Appointment, error) {
	var a Appointment
	var status, created, updated string

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
		&created,
		&updated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Status = Status(status)
	if a.CreatedAt, err = parseSQLiteTime(created); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if a.UpdatedAt, err = parseSQLiteTime(updated); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &a, nil
}

func collectSQLiteAppointments(rows *sql.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanSQLiteAppointment(rows)
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

func mapSQLiteWriteError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed: appointments.provider_id, appointments.day, appointments.time_slot"):
		return ErrSlotFull
	case strings.Contains(msg, "UNIQUE constraint failed: appointments.provider_id, appointments.day, appointments.queue_number"):
		return ErrSlotContended
	}
	return err
}

// CreatePatient and CreateProvider exist for seeding and tests; account
// management lives outside the queue core.
func (r *SQLiteRepository) CreatePatient(ctx context.Context, p Patient) error {
	ts := r.timestamp()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO patients (id, name, email, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.Email, ts, ts)
	return err
}

func (r *SQLiteRepository) CreateProvider(ctx context.Context, p Provider) error {
	ts := r.timestamp()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO providers (id, name, department, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.Department, ts, ts)
	return err
}

// AddPrescription records a clinical record against an appointment, which
// protects it from pruning.
func (r *SQLiteRepository) AddPrescription(ctx context.Context, appointmentID uuid.UUID, diagnosis string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO prescriptions (id, appointment_id, diagnosis, created_at)
		VALUES (?, ?, ?, ?)
	`, uuid.New(), appointmentID, diagnosis, r.timestamp())
	return err
}

func (r *SQLiteRepository) SetConfigValue(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO system_config (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func (r *SQLiteRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	var p Patient
	var created, updated string

	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM patients
		WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &p.Email, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	p.CreatedAt, _ = parseSQLiteTime(created)
	p.UpdatedAt, _ = parseSQLiteTime(updated)
	return &p, nil
}

func (r *SQLiteRepository) GetProviderByID(ctx context.Context, id uuid.UUID) (*Provider, error) {
	var p Provider
	var created, updated string

	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, department, created_at, updated_at
		FROM providers
		WHERE id = ?
	`, id).Scan(&p.ID, &p.Name, &p.Department, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}

	p.CreatedAt, _ = parseSQLiteTime(created)
	p.UpdatedAt, _ = parseSQLiteTime(updated)
	return &p, nil
}

func (r *SQLiteRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return sqliteGetAppointment(ctx, r.db, id)
}

func sqliteGetAppointment(ctx context.Context, q sqlQuerier, id uuid.UUID) (*Appointment, error) {
	row := q.QueryRowContext(ctx, `SELECT`+sqliteAppointmentColumns+`
		FROM appointments
		WHERE id = ?
	`, id)
	return scanSQLiteAppointment(row)
}

func (r *SQLiteRepository) ListForProviderDay(ctx context.Context, providerID uuid.UUID, day string) ([]QueueRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT a.id, a.queue_number, a.status, a.is_emergency, a.time_slot, p.name
		FROM appointments a
		LEFT JOIN patients p ON p.id = a.patient_id
		WHERE a.provider_id = ?
		  AND a.day = ?
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

func (r *SQLiteRepository) ListBookedSlots(ctx context.Context, providerID uuid.UUID, day string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT time_slot
		FROM appointments
		WHERE provider_id = ?
		  AND day = ?
		  AND status = 'booked'
	`, providerID, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []string
	for rows.Next() {
		var slot string
		if err := rows.Scan(&slot); err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}

	return slots, rows.Err()
}

func (r *SQLiteRepository) FindActiveForPatient(ctx context.Context, patientID uuid.UUID, fromDay string) (*Appointment, error) {
	row := r.db.QueryRowContext(ctx, `SELECT`+sqliteAppointmentColumns+`
		FROM appointments
		WHERE patient_id = ?
		  AND status IN ('booked', 'in_consultation')
		  AND day >= ?
		ORDER BY day ASC, queue_number ASC
		LIMIT 1
	`, patientID, fromDay)
	return scanSQLiteAppointment(row)
}

func (r *SQLiteRepository) CreateBooking(ctx context.Context, req BookingRequest) (*Appointment, error) {
	var created *Appointment

	err := r.inTx(ctx, func(tx *sql.Tx) error {
		if err := sqliteCheckPatientRules(ctx, tx, req.PatientID, req.ProviderID, req.Day, req.TimeSlot, uuid.Nil); err != nil {
			return err
		}
		if err := sqliteCheckSlotFree(ctx, tx, req.ProviderID, req.Day, req.TimeSlot, uuid.Nil); err != nil {
			return err
		}
		next, err := sqliteNextQueueNumber(ctx, tx, req.ProviderID, req.Day)
		if err != nil {
			return err
		}

		id := uuid.New()
		ts := r.timestamp()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO appointments (
				id, patient_id, provider_id, day, time_slot, status, queue_number,
				is_emergency, reason_for_visit, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, 'booked', ?, ?, ?, ?, ?)
		`, id, req.PatientID, req.ProviderID, req.Day, req.TimeSlot, next,
			req.IsEmergency, req.ReasonForVisit, ts, ts)
		if err != nil {
			return err
		}

		created, err = sqliteGetAppointment(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	return created, nil
}

func (r *SQLiteRepository) Reschedule(ctx context.Context, id uuid.UUID, day, timeSlot string) (*Appointment, error) {
	var updated *Appointment

	err := r.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := sqliteGetAppointment(ctx, tx, id)
		if err != nil {
			return err
		}
		if existing.Status != StatusBooked {
			return ErrInvalidStatusTransition
		}

		if err := sqliteCheckPatientRules(ctx, tx, existing.PatientID, existing.ProviderID, day, timeSlot, id); err != nil {
			return err
		}
		if err := sqliteCheckSlotFree(ctx, tx, existing.ProviderID, day, timeSlot, id); err != nil {
			return err
		}
		next, err := sqliteNextQueueNumber(ctx, tx, existing.ProviderID, day)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE appointments
			SET day = ?, time_slot = ?, queue_number = ?, updated_at = ?
			WHERE id = ? AND status = 'booked'
		`, day, timeSlot, next, r.timestamp(), id)
		if err != nil {
			return err
		}

		updated, err = sqliteGetAppointment(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

func (r *SQLiteRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status, notes *string) (*Appointment, error) {
	var updated *Appointment

	err := r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE appointments
			SET status = ?, notes = COALESCE(?, notes), updated_at = ?
			WHERE id = ? AND status = ?
		`, string(to), notes, r.timestamp(), id, string(from))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrAppointmentNotFound
		}

		updated, err = sqliteGetAppointment(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	return updated, nil
}

func (r *SQLiteRepository) FindBookedBefore(ctx context.Context, day string) ([]Appointment, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT`+sqliteAppointmentColumns+`
		FROM appointments
		WHERE status = 'booked'
		  AND day < ?
	`, day)
	if err != nil {
		return nil, err
	}
	return collectSQLiteAppointments(rows)
}

func (r *SQLiteRepository) FindBookedOn(ctx context.Context, day string) ([]Appointment, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT`+sqliteAppointmentColumns+`
		FROM appointments
		WHERE status = 'booked'
		  AND day = ?
	`, day)
	if err != nil {
		return nil, err
	}
	return collectSQLiteAppointments(rows)
}

func (r *SQLiteRepository) FindPrunable(ctx context.Context, beforeDay string) ([]PrunableAppointment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT a.id, a.day, COUNT(p.id)
		FROM appointments a
		LEFT JOIN prescriptions p ON p.appointment_id = a.id
		WHERE a.status = 'cancelled'
		  AND a.day < ?
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

func (r *SQLiteRepository) DeleteAppointments(ctx context.Context, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	var deleted int64
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM appointments
			WHERE id IN (`+strings.Join(placeholders, ", ")+`)
			  AND status = 'cancelled'
			  AND NOT EXISTS (SELECT 1 FROM prescriptions p WHERE p.appointment_id = appointments.id)
		`, args...)
		if err != nil {
			return fmt.Errorf("delete appointments: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}

	return deleted, nil
}

func (r *SQLiteRepository) InsertStatusLog(ctx context.Context, entry StatusLogEntry) error {
	var from *string
	if entry.FromStatus != nil {
		s := string(*entry.FromStatus)
		from = &s
	}

	created := entry.CreatedAt
	if created.IsZero() {
		created = r.now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO appointment_status_logs (appointment_id, from_status, to_status, reason, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, entry.AppointmentID, from, string(entry.ToStatus), entry.Reason, created.UTC().Format(sqliteTimeLayout))
	if err != nil {
		return fmt.Errorf("insert status log: %w", err)
	}

	return nil
}

// StatusLog returns the log entries of one appointment, oldest first.
func (r *SQLiteRepository) StatusLog(ctx context.Context, appointmentID uuid.UUID) ([]StatusLogEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, appointment_id, from_status, to_status, reason, created_at
		FROM appointment_status_logs
		WHERE appointment_id = ?
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
		var to, created string
		if err := rows.Scan(&e.ID, &e.AppointmentID, &from, &to, &e.Reason, &created); err != nil {
			return nil, err
		}
		if from != nil {
			s := Status(*from)
			e.FromStatus = &s
		}
		e.ToStatus = Status(to)
		e.CreatedAt, _ = parseSQLiteTime(created)
		result = append(result, e)
	}

	return result, rows.Err()
}

func (r *SQLiteRepository) GetConfigValue(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, `SELECT value FROM system_config WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrConfigNotFound
		}
		return "", err
	}
	return value, nil
}

// Ping reports store health.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return mapSQLiteWriteError(err)
	}

	return mapSQLiteWriteError(tx.Commit())
}

func sqliteCheckPatientRules(ctx context.Context, tx *sql.Tx, patientID, providerID uuid.UUID, day, timeSlot string, exclude uuid.UUID) error {
	var sameDepartment, sameTime int
	err := tx.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE
				WHEN pr.department IS NOT NULL
				 AND pr.department = (SELECT department FROM providers WHERE id = ?)
				THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN a.time_slot = ? THEN 1 ELSE 0 END), 0)
		FROM appointments a
		JOIN providers pr ON pr.id = a.provider_id
		WHERE a.patient_id = ?
		  AND a.day = ?
		  AND a.status = 'booked'
		  AND a.id <> ?
	`, providerID, timeSlot, patientID, day, exclude).Scan(&sameDepartment, &sameTime)
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

func sqliteCheckSlotFree(ctx context.Context, tx *sql.Tx, providerID uuid.UUID, day, timeSlot string, exclude uuid.UUID) error {
	var taken int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM appointments
		WHERE provider_id = ?
		  AND day = ?
		  AND time_slot = ?
		  AND status = 'booked'
		  AND id <> ?
	`, providerID, day, timeSlot, exclude).Scan(&taken)
	if err != nil {
		return fmt.Errorf("check slot capacity: %w", err)
	}
	if taken >= slotCapacity {
		return ErrSlotFull
	}
	return nil
}

func sqliteNextQueueNumber(ctx context.Context, tx *sql.Tx, providerID uuid.UUID, day string) (int, error) {
	var next int
	err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(queue_number), 0) + 1
		FROM appointments
		WHERE provider_id = ?
		  AND day = ?
	`, providerID, day).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("derive queue number: %w", err)
	}
	return next, nil
}
