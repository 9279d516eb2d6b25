package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found — using system environment variables")
	}

	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		dbGetEnv("DB_USER", "agv_user"),
		dbGetEnv("DB_PASSWORD", "agv_password"),
		dbGetEnv("DB_HOST", "localhost"),
		dbGetEnv("DB_PORT", "5432"),
		dbGetEnv("DB_NAME", "agv_rtls"),
	)

	ctx := context.Background()

	fmt.Println("Connecting to TimescaleDB...")
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure TimescaleDB is running:\n  docker-compose up -d timescaledb", err)
	}
	defer conn.Close(ctx)
	fmt.Println("✓ Connected")

	// Run all steps in order
	step1_extensions(ctx, conn)
	step2_positions_table(ctx, conn)
	step3_events_table(ctx, conn)
	step4_indexes(ctx, conn)
	step5_verify(ctx, conn)

	fmt.Println("\n✅ Database initialised successfully")
	fmt.Println("   Run next: go run ./scripts/seed_registry")
}

// ─────────────────────────────────────────────────────────────
// Step 1 — Extensions
// ─────────────────────────────────────────────────────────────
func step1_extensions(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 1: Extensions ──────────────────────────")

	// TimescaleDB — required for hypertable
	execOrFatal(ctx, conn,
		"CREATE EXTENSION IF NOT EXISTS timescaledb CASCADE;",
		"timescaledb extension",
	)
}

// ─────────────────────────────────────────────────────────────
// Step 2 — agv_positions table
// ─────────────────────────────────────────────────────────────
func step2_positions_table(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 2: agv_positions table ─────────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS agv_positions (

			-- Time column — TimescaleDB partitions data by this
			-- TIMESTAMPTZ always stores in UTC
			ts                   TIMESTAMPTZ      NOT NULL,

			-- Server receipt time — separate from tag clock
			-- Tag clocks drift; received_at is always accurate
			received_at          TIMESTAMPTZ      NOT NULL DEFAULT NOW(),

			-- Identity
			agv_id               TEXT             NOT NULL,

			-- Raw geodetic fix — nullable; local-frame tags send none
			lat                  DOUBLE PRECISION,
			lon                  DOUBLE PRECISION,

			-- Derived plant-frame position, meters
			plant_x              DOUBLE PRECISION NOT NULL,
			plant_y              DOUBLE PRECISION NOT NULL,
			zone_id              TEXT,

			-- Sensor readings
			heading_deg          DOUBLE PRECISION,
			speed_mps            DOUBLE PRECISION,
			quality              DOUBLE PRECISION,
			battery_percent      DOUBLE PRECISION,

			status               TEXT             NOT NULL DEFAULT 'ACTIVE'
		);
	`, "agv_positions table created")

	// Convert to TimescaleDB hypertable
	// Recent-data queries only touch the latest chunk — very fast
	execOrFatal(ctx, conn, `
		SELECT create_hypertable(
			'agv_positions',
			'ts',
			if_not_exists => TRUE
		);
	`, "agv_positions converted to hypertable")
}

// ─────────────────────────────────────────────────────────────
// Step 3 — system_events table
// ─────────────────────────────────────────────────────────────
func step3_events_table(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 3: system_events table ─────────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS system_events (
			event_id     TEXT             PRIMARY KEY,
			event_type   TEXT             NOT NULL,
			severity     TEXT             NOT NULL,
			agv_id       TEXT,
			zone_id      TEXT,
			message      TEXT             NOT NULL DEFAULT '',
			plant_x      DOUBLE PRECISION,
			plant_y      DOUBLE PRECISION,
			details      JSONB            NOT NULL DEFAULT '{}',

			-- Acknowledgment lifecycle belongs to the event console,
			-- not the ingest service; it only ever inserts
			acknowledged BOOLEAN          NOT NULL DEFAULT false,
			created_at   TIMESTAMPTZ      NOT NULL DEFAULT NOW()
		);
	`, "system_events table created")
}

// ─────────────────────────────────────────────────────────────
// Step 4 — Indexes
// ─────────────────────────────────────────────────────────────
func step4_indexes(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 4: Indexes ─────────────────────────────")

	execOrFatal(ctx, conn, `
		CREATE INDEX IF NOT EXISTS idx_positions_agv_ts
		ON agv_positions (agv_id, ts DESC);
	`, "agv_id + time index")

	execOrFatal(ctx, conn, `
		CREATE INDEX IF NOT EXISTS idx_positions_zone_ts
		ON agv_positions (zone_id, ts DESC)
		WHERE zone_id IS NOT NULL;
	`, "zone + time index")

	execOrFatal(ctx, conn, `
		CREATE INDEX IF NOT EXISTS idx_events_type_created
		ON system_events (event_type, created_at DESC);
	`, "event type + time index")
}

// ─────────────────────────────────────────────────────────────
// Step 5 — Verify
// ─────────────────────────────────────────────────────────────
func step5_verify(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 5: Verification ────────────────────────")

	var isHypertable bool
	err := conn.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM timescaledb_information.hypertables
			WHERE hypertable_name = 'agv_positions'
		);
	`).Scan(&isHypertable)
	if err != nil || !isHypertable {
		log.Fatalf("agv_positions is not a hypertable: %v", err)
	}
	fmt.Println("  ✓ agv_positions is a hypertable")

	var eventCols int
	err = conn.QueryRow(ctx, `
		SELECT COUNT(*) FROM information_schema.columns
		WHERE table_name = 'system_events';
	`).Scan(&eventCols)
	if err != nil {
		log.Fatalf("Verification failed: %v", err)
	}
	fmt.Printf("  ✓ system_events has %d columns\n", eventCols)
}

func execOrFatal(ctx context.Context, conn *pgx.Conn, sql, label string) {
	if _, err := conn.Exec(ctx, sql); err != nil {
		log.Fatalf("Failed: %s: %v", label, err)
	}
	fmt.Printf("  ✓ %s\n", label)
}

func dbGetEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
