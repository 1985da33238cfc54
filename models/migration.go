package models

import (
	"log"

	"bitbucket.org/mmdatafocus/costplan_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Project{},
		&BreakdownNode{}, &BreakdownVersion{},
		&ImportBatch{},
		&FinancialRecord{}, &FinancialLink{},
		&VarianceAlertRecord{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
