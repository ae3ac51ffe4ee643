package database

import (
	"context"
	"fmt"

	"proxyharvest/internal/domain"
)

func ListCredentials(ctx context.Context) ([]domain.ProxyCredential, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	var creds []domain.ProxyCredential
	err = db.Order("service_name").Find(&creds).Error
	return creds, err
}

func GetCredential(ctx context.Context, id uint64) (domain.ProxyCredential, error) {
	db, err := conn(ctx)
	if err != nil {
		return domain.ProxyCredential{}, err
	}

	var cred domain.ProxyCredential
	if err := db.First(&cred, id).Error; err != nil {
		return domain.ProxyCredential{}, notFound(err)
	}
	return cred, nil
}

// ActiveCredentials maps service name to its secrets for active entries.
func ActiveCredentials(ctx context.Context) (map[string]map[string]string, error) {
	db, err := conn(ctx)
	if err != nil {
		return nil, err
	}

	var creds []domain.ProxyCredential
	if err := db.Where("is_active = ?", true).Find(&creds).Error; err != nil {
		return nil, err
	}

	out := make(map[string]map[string]string, len(creds))
	for _, cred := range creds {
		out[cred.ServiceName] = cred.Credentials
	}
	return out, nil
}

func CreateCredential(ctx context.Context, cred *domain.ProxyCredential) error {
	db, err := conn(ctx)
	if err != nil {
		return err
	}
	if err := db.Create(cred).Error; err != nil {
		return fmt.Errorf("database: create credential: %w", err)
	}
	return nil
}

func UpdateCredential(ctx context.Context, cred *domain.ProxyCredential) error {
	db, err := conn(ctx)
	if err != nil {
		return err
	}

	res := db.Model(cred).Select("service_name", "credentials", "is_active", "updated_at").Updates(cred)
	if res.Error != nil {
		return fmt.Errorf("database: update credential: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func DeleteCredential(ctx context.Context, id uint64) error {
	db, err := conn(ctx)
	if err != nil {
		return err
	}

	res := db.Delete(&domain.ProxyCredential{}, id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
