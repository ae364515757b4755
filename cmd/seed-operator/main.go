// seed-operator creates or updates the console operator user.
//
// Usage:
//
//	DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//	OPERATOR_USERNAME=ops OPERATOR_PASSWORD=... go run ./cmd/seed-operator
package main

import (
	"context"
	"fmt"
	"os"

	"bitbucket.org/mmdatafocus/marketplace_backend/config"
	"bitbucket.org/mmdatafocus/marketplace_backend/models"
	"bitbucket.org/mmdatafocus/marketplace_backend/utils"
	"gorm.io/gorm"
)

func main() {
	username := os.Getenv("OPERATOR_USERNAME")
	password := os.Getenv("OPERATOR_PASSWORD")
	if username == "" || password == "" {
		fmt.Fprintln(os.Stderr, "OPERATOR_USERNAME and OPERATOR_PASSWORD are required")
		os.Exit(1)
	}

	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	models.MigrateTable()

	hashed, err := utils.HashPassword(password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to hash password: %v\n", err)
		os.Exit(1)
	}
	hashedStr := string(hashed)

	var existing models.User
	err = db.WithContext(ctx).Where("username = ?", username).First(&existing).Error
	if err != nil {
		if err != gorm.ErrRecordNotFound {
			fmt.Fprintf(os.Stderr, "failed to lookup user: %v\n", err)
			os.Exit(1)
		}
		u := models.User{
			Username:     username,
			PasswordHash: hashedStr,
			Role:         "operator",
		}
		if err := db.WithContext(ctx).Create(&u).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to create operator user: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created operator user: username=%q\n", username)
		return
	}

	if err := db.WithContext(ctx).Model(&models.User{}).Where("username = ?", username).Updates(map[string]any{
		"password_hash": hashedStr,
		"role":          "operator",
	}).Error; err != nil {
		fmt.Fprintf(os.Stderr, "failed to update operator user: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Updated operator user: username=%q\n", username)
}
