package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		log.Fatal("DATABASE_URL is not set")
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		log.Fatalf("Failed to open DB: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("Failed to ping DB: %v", err)
	}

	seedPromoCodes(db, time.Now().UTC())

	log.Println("Seeding completed successfully!")
}

func seedPromoCodes(db *sql.DB, now time.Time) {
	in90Days := now.AddDate(0, 0, 90)
	yesterday := now.AddDate(0, 0, -1)
	codes := []struct {
		Code       string
		Percentage int
		ValidUntil *time.Time
		Owner      string
		Active     bool
	}{
		{"BIENVENUE10", 10, nil, "", true},
		{"AWA15", 15, &in90Days, "Awa Ngono", true},
		{"PAUL20", 20, &in90Days, "Paul Mbarga", true},
		{"RENTREE25", 25, &in90Days, "", true},
		{"EXPIRE50", 50, &yesterday, "", true},
		{"RETIRE30", 30, nil, "", false},
	}

	fmt.Println("Seeding Promo Codes...")
	for _, c := range codes {
		_, err := db.Exec(`
			INSERT INTO promo_codes (id, code, discount_percentage, valid_until, owner_name, active)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT ((upper(code))) DO UPDATE SET
				discount_percentage = EXCLUDED.discount_percentage,
				valid_until = EXCLUDED.valid_until,
				owner_name = EXCLUDED.owner_name,
				active = EXCLUDED.active;
		`, uuid.NewString(), c.Code, c.Percentage, c.ValidUntil, c.Owner, c.Active)
		if err != nil {
			log.Printf("Failed to seed promo code %s: %v", c.Code, err)
		}
	}
}
