package models

import (
	"fmt"

	"gorm.io/gorm"
)

// AcquireProjectPostingLock serializes per project using MySQL advisory
// locks. GET_LOCK is connection-scoped, so the caller must pin one
// connection, run the guarded statements on it, and release only after the
// enclosed transaction commits.
func AcquireProjectPostingLock(conn *gorm.DB, projectId int) error {
	lockName := fmt.Sprintf("project:%d", projectId)
	var ok int
	if err := conn.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire posting lock for project_id=%d", projectId)
	}
	return nil
}

func ReleaseProjectPostingLock(conn *gorm.DB, projectId int) {
	lockName := fmt.Sprintf("project:%d", projectId)
	var released int
	_ = conn.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&released).Error
}
