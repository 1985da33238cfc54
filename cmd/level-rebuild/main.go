package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/costplan_backend/config"
	"bitbucket.org/mmdatafocus/costplan_backend/models"
	"bitbucket.org/mmdatafocus/costplan_backend/utils"
	"gorm.io/gorm"
)

// level-rebuild recomputes the stored level column of a project's breakdown
// tree from its parent links and reports nodes the walk cannot reach
// (orphans under missing parents, parent cycles, depth overflows).
func main() {
	businessID := flag.String("business-id", "", "Required: business id (uuid)")
	projectID := flag.Int("project-id", 0, "Project id (default: every project of the business)")
	apply := flag.Bool("apply", false, "Write corrected levels (default: report only)")
	reattachOrphans := flag.Bool("reattach-orphans", false, "Re-parent unreachable nodes to the root level")
	flushCache := flag.Bool("flush-cache", false, "Flush the redis cache after applying fixes")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" {
		fmt.Fprintln(os.Stderr, "--business-id is required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	if *flushCache {
		config.ConnectRedisWithRetry()
	}

	ctx := utils.SetBusinessIdInContext(context.Background(), strings.TrimSpace(*businessID))

	var projectIds []int
	if *projectID > 0 {
		projectIds = append(projectIds, *projectID)
	} else {
		projects, err := models.GetProjects(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load projects: %v\n", err)
			os.Exit(1)
		}
		for _, p := range projects {
			projectIds = append(projectIds, p.ID)
		}
	}
	if len(projectIds) == 0 {
		fmt.Println("no projects to check")
		return
	}

	for _, pid := range projectIds {
		if err := rebuildProject(ctx, db, pid, *apply, *reattachOrphans); err != nil {
			fmt.Fprintf(os.Stderr, "project %d: %v\n", pid, err)
			os.Exit(1)
		}
	}

	if *apply && *flushCache {
		if err := config.ClearRedis(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "flush cache: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("cache flushed")
	}
}

func rebuildProject(ctx context.Context, db *gorm.DB, projectID int, apply bool, reattachOrphans bool) error {

	nodes, err := models.ProjectNodes(ctx, projectID, true)
	if err != nil {
		return fmt.Errorf("load nodes: %w", err)
	}
	fmt.Printf("project %d:\n", projectID)
	if len(nodes) == 0 {
		fmt.Println("  no nodes")
		return nil
	}

	byId := map[int]*models.BreakdownNode{}
	children := map[int][]*models.BreakdownNode{}
	for _, n := range nodes {
		byId[n.ID] = n
		children[n.ParentId] = append(children[n.ParentId], n)
	}

	// breadth-first from the roots; anything never reached is an orphan
	expected := map[int]int{}
	frontier := children[0]
	for level := 0; len(frontier) > 0; level++ {
		if level > models.MaxHierarchyLevel {
			return fmt.Errorf("tree deeper than %d levels; refusing to continue", models.MaxHierarchyLevel)
		}
		var next []*models.BreakdownNode
		for _, n := range frontier {
			expected[n.ID] = level
			next = append(next, children[n.ID]...)
		}
		frontier = next
	}

	var mismatched, orphaned []*models.BreakdownNode
	for _, n := range nodes {
		level, reached := expected[n.ID]
		switch {
		case !reached:
			orphaned = append(orphaned, n)
		case level != n.Level:
			mismatched = append(mismatched, n)
		}
	}

	fmt.Printf("  nodes=%d mismatched=%d orphaned=%d\n", len(nodes), len(mismatched), len(orphaned))
	for _, n := range mismatched {
		versionNo, _ := models.LatestVersionNo(ctx, n.ID)
		fmt.Printf("  level mismatch: node=%d code=%q stored=%d computed=%d history=%d\n",
			n.ID, n.Code, n.Level, expected[n.ID], versionNo)
	}
	for _, n := range orphaned {
		fmt.Printf("  orphan: node=%d code=%q parent=%d\n", n.ID, n.Code, n.ParentId)
	}

	if !apply {
		if len(mismatched) > 0 || len(orphaned) > 0 {
			fmt.Println("  run again with --apply to write fixes")
		}
		return nil
	}
	if len(mismatched) == 0 && (!reattachOrphans || len(orphaned) == 0) {
		return nil
	}

	// the advisory lock keeps concurrent rebuild runs off the same project
	err = db.WithContext(ctx).Connection(func(conn *gorm.DB) error {
		if err := models.AcquireProjectPostingLock(conn, projectID); err != nil {
			return err
		}
		defer models.ReleaseProjectPostingLock(conn, projectID)

		return conn.Transaction(func(tx *gorm.DB) error {
			for _, n := range mismatched {
				before := *n
				n.Level = expected[n.ID]
				n.Version = before.Version + 1
				if err := tx.Model(&models.BreakdownNode{}).Where("id = ?", n.ID).
					Updates(map[string]interface{}{"level": n.Level, "version": n.Version}).Error; err != nil {
					return err
				}
				if _, err := models.RecordVersion(tx, n.ID, models.VersionActionMove, &before, n); err != nil {
					return err
				}
			}
			if !reattachOrphans {
				return nil
			}
			for _, n := range orphaned {
				before := *n
				n.ParentId = 0
				n.Level = 0
				n.Version = before.Version + 1
				if err := tx.Model(&models.BreakdownNode{}).Where("id = ?", n.ID).
					Updates(map[string]interface{}{"parent_id": 0, "level": 0, "version": n.Version}).Error; err != nil {
					return err
				}
				if _, err := models.RecordVersion(tx, n.ID, models.VersionActionMove, &before, n); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("apply fixes: %w", err)
	}

	var touched []int
	for _, n := range mismatched {
		touched = append(touched, n.ID)
	}
	if reattachOrphans {
		for _, n := range orphaned {
			touched = append(touched, n.ID)
		}
	}
	models.EvictNodeCache(touched...)
	businessId, _ := utils.GetBusinessIdFromContext(ctx)
	models.InvalidateAggregateCache(businessId, projectID)
	fmt.Println("  fixes applied")
	return nil
}
