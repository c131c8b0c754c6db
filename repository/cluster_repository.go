package repository

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"gorm.io/gorm"

	"github.com/camden-git/eventgallery/database"
	"github.com/camden-git/eventgallery/models"
)

// ClusterRepository handles database operations for FaceCluster entities
type ClusterRepository struct {
	DB *gorm.DB
}

// NewClusterRepository creates a new instance of ClusterRepository
func NewClusterRepository(db *gorm.DB) *ClusterRepository {
	return &ClusterRepository{DB: db}
}

// ReplaceClusters rebuilds a gallery's unverified clusters from plan.
// Verified clusters keep their faces, assignment and share state; faces in
// plan.Attachments join them and member counts are recomputed.
func (r *ClusterRepository) ReplaceClusters(ctx context.Context, galleryID uint, plan ClusterPlan) ([]models.FaceCluster, error) {
	created := make([]models.FaceCluster, 0, len(plan.Drafts))
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var verifiedIDs []uint
		err := tx.Model(&models.FaceCluster{}).
			Where("gallery_id = ? AND is_verified = ?", galleryID, true).
			Pluck("id", &verifiedIDs).Error
		if err != nil {
			return fmt.Errorf("failed to list verified clusters of gallery %d: %w", galleryID, err)
		}
		verified := make(map[uint]bool, len(verifiedIDs))
		for _, id := range verifiedIDs {
			verified[id] = true
		}

		unlink := tx.Model(&models.DetectedFace{}).Where("gallery_id = ?", galleryID)
		if len(verifiedIDs) > 0 {
			unlink = unlink.Where("(cluster_id IS NULL OR cluster_id NOT IN ?)", verifiedIDs)
		}
		err = unlink.Updates(map[string]interface{}{"cluster_id": nil, "similarity": nil}).Error
		if err != nil {
			return fmt.Errorf("failed to unlink faces of gallery %d: %w", galleryID, err)
		}
		err = tx.Where("gallery_id = ? AND is_verified = ?", galleryID, false).Delete(&models.FaceCluster{}).Error
		if err != nil {
			return fmt.Errorf("failed to delete clusters of gallery %d: %w", galleryID, err)
		}

		drafts := plan.Drafts
		for _, a := range plan.Attachments {
			if len(a.FaceIDs) == 0 {
				continue
			}
			if !verified[a.ClusterID] {
				// the cluster lost its verification meanwhile; keep the faces together
				drafts = append(drafts, ClusterDraft{FaceIDs: a.FaceIDs, RepresentativeFaceID: a.FaceIDs[0]})
				continue
			}
			if _, err := linkFaces(tx, galleryID, a.ClusterID, a.FaceIDs, a.Similarities); err != nil {
				return err
			}
		}

		for _, d := range drafts {
			rep := d.RepresentativeFaceID
			cluster := models.FaceCluster{
				GalleryID:            galleryID,
				MemberCount:          len(d.FaceIDs),
				RepresentativeFaceID: &rep,
				ShareStatus:          database.SharePending,
			}
			if err := tx.Create(&cluster).Error; err != nil {
				return fmt.Errorf("failed to create cluster for gallery %d: %w", galleryID, err)
			}
			linked, err := linkFaces(tx, galleryID, cluster.ID, d.FaceIDs, d.Similarities)
			if err != nil {
				return err
			}
			if linked == 0 {
				if err := tx.Delete(&cluster).Error; err != nil {
					return fmt.Errorf("failed to drop empty cluster %d: %w", cluster.ID, err)
				}
				continue
			}
			if int(linked) != cluster.MemberCount {
				cluster.MemberCount = int(linked)
				if err := tx.Model(&cluster).Update("member_count", cluster.MemberCount).Error; err != nil {
					return fmt.Errorf("failed to count members of cluster %d: %w", cluster.ID, err)
				}
			}
			created = append(created, cluster)
		}

		if len(verifiedIDs) > 0 {
			err = tx.Model(&models.FaceCluster{}).Where("id IN ?", verifiedIDs).
				Update("member_count", gorm.Expr("(SELECT COUNT(*) FROM detected_faces WHERE detected_faces.cluster_id = face_clusters.id)")).Error
			if err != nil {
				return fmt.Errorf("failed to recount verified clusters of gallery %d: %w", galleryID, err)
			}
		}

		var total int64
		if err := tx.Model(&models.FaceCluster{}).Where("gallery_id = ?", galleryID).Count(&total).Error; err != nil {
			return fmt.Errorf("failed to count clusters of gallery %d: %w", galleryID, err)
		}
		return tx.Model(&models.Gallery{}).Where("id = ?", galleryID).Update("total_clusters", total).Error
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// linkFaces points unclustered faces at clusterID and returns how many it
// linked. Faces already held by a verified cluster are left where they are.
func linkFaces(tx *gorm.DB, galleryID, clusterID uint, faceIDs []uint, similarities map[uint]float32) (int64, error) {
	if len(faceIDs) == 0 {
		return 0, nil
	}
	result := tx.Model(&models.DetectedFace{}).
		Where("gallery_id = ? AND id IN ? AND cluster_id IS NULL", galleryID, faceIDs).
		Update("cluster_id", clusterID)
	if result.Error != nil {
		return 0, fmt.Errorf("failed to link faces to cluster %d: %w", clusterID, result.Error)
	}
	for faceID, sim := range similarities {
		err := tx.Model(&models.DetectedFace{}).
			Where("id = ? AND cluster_id = ?", faceID, clusterID).
			Update("similarity", sim).Error
		if err != nil {
			return 0, fmt.Errorf("failed to store similarity of face %d: %w", faceID, err)
		}
	}
	return result.RowsAffected, nil
}

// ListByGallery lists clusters largest first. assigned filters on whether a
// participant or manual name is set; nil returns all.
func (r *ClusterRepository) ListByGallery(ctx context.Context, galleryID uint, assigned *bool) ([]models.FaceCluster, error) {
	where := sq.And{sq.Eq{"gallery_id": galleryID}}
	if assigned != nil {
		if *assigned {
			where = append(where, sq.Or{
				sq.NotEq{"participant_id": nil},
				sq.And{sq.NotEq{"manual_name": nil}, sq.NotEq{"manual_name": ""}},
			})
		} else {
			where = append(where, sq.Eq{"participant_id": nil},
				sq.Or{sq.Eq{"manual_name": nil}, sq.Eq{"manual_name": ""}})
		}
	}

	query, args, err := psql.Select("*").From("face_clusters").Where(where).
		OrderBy("member_count DESC", "id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build SQL query for cluster list: %w", err)
	}
	var clusters []models.FaceCluster
	if err := r.DB.WithContext(ctx).Raw(query, args...).Scan(&clusters).Error; err != nil {
		return nil, fmt.Errorf("failed to list clusters of gallery %d: %w", galleryID, err)
	}
	return clusters, nil
}

func (r *ClusterRepository) GetByID(ctx context.Context, id uint) (*models.FaceCluster, error) {
	var cluster models.FaceCluster
	err := r.DB.WithContext(ctx).Preload("Participant").First(&cluster, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to get cluster %d: %w", id, err)
	}
	return &cluster, nil
}

// ApplyMatches sets automatic matches. Verified clusters are never overwritten.
func (r *ClusterRepository) ApplyMatches(ctx context.Context, galleryID uint, matches []ClusterMatch) (int64, error) {
	var applied int64
	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, m := range matches {
			result := tx.Model(&models.FaceCluster{}).
				Where("id = ? AND gallery_id = ? AND is_verified = ?", m.ClusterID, galleryID, false).
				Updates(map[string]interface{}{
					"participant_id":   m.ParticipantID,
					"match_confidence": m.Confidence,
				})
			if result.Error != nil {
				return fmt.Errorf("failed to apply match to cluster %d: %w", m.ClusterID, result.Error)
			}
			applied += result.RowsAffected
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return applied, nil
}

// Assign records an operator decision and marks the cluster verified.
func (r *ClusterRepository) Assign(ctx context.Context, id uint, a ClusterAssignment) error {
	updates := map[string]interface{}{
		"participant_id":   a.ParticipantID,
		"manual_name":      a.ManualName,
		"manual_email":     a.ManualEmail,
		"match_confidence": nil,
		"is_verified":      a.ParticipantID != nil || a.ManualName != nil,
	}
	result := r.DB.WithContext(ctx).Model(&models.FaceCluster{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return fmt.Errorf("failed to assign cluster %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *ClusterRepository) MarkShared(ctx context.Context, id uint, now int64) error {
	result := r.DB.WithContext(ctx).Model(&models.FaceCluster{}).Where("id = ?", id).Updates(map[string]interface{}{
		"share_status": gorm.Expr("CASE WHEN share_status = ? THEN share_status ELSE ? END", database.ShareViewed, database.ShareShared),
		"shared_at":    now,
	})
	if result.Error != nil {
		return fmt.Errorf("failed to mark cluster %d shared: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *ClusterRepository) RecordView(ctx context.Context, id uint, now int64) error {
	result := r.DB.WithContext(ctx).Model(&models.FaceCluster{}).Where("id = ?", id).Updates(map[string]interface{}{
		"share_status": database.ShareViewed,
		"viewed_at":    now,
		"view_count":   gorm.Expr("view_count + 1"),
	})
	if result.Error != nil {
		return fmt.Errorf("failed to record view of cluster %d: %w", id, result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
