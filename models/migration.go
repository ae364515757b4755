package models

import (
	"log"

	"bitbucket.org/mmdatafocus/marketplace_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Agent{},
		&CatalogItem{},
		&SyncJob{}, &DeadLetterEntry{},
		&ReconciliationEvent{},
		&User{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
