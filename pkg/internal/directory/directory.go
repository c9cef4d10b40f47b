// Package directory is the persistent who-is-who behind the chat core:
// accounts, channels and memberships, stored through gorm. Postgres backs
// production deployments; sqlite covers development and tests.
package directory

import (
	"errors"
	"fmt"

	"git.solsynth.dev/hypernet/chatcore/pkg/internal/models"
	"github.com/samber/lo"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var AutoMaintainRange = []any{
	&Account{},
	&Channel{},
	&ChannelMember{},
}

type Directory struct {
	db *gorm.DB
}

// New opens the directory source. Supported drivers are "postgres" and
// "sqlite"; anything else is a configuration mistake.
func New(driver, dsn string) (*Directory, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}

	return &Directory{db: db}, nil
}

func (v *Directory) RunMigration() error {
	return v.db.AutoMigrate(AutoMaintainRange...)
}

// Get looks up an account and takes its display snapshot. The second return
// reports whether the account exists.
func (v *Directory) Get(id uint) (models.UserRef, bool) {
	var account Account
	if err := v.db.Where("id = ?", id).First(&account).Error; err != nil {
		return models.UserRef{}, false
	}
	return models.UserRef{
		ID:     account.ID,
		Name:   account.Name,
		Nick:   account.Nick,
		Avatar: account.Avatar,
	}, true
}

func (v *Directory) GetChannel(id uint) (Channel, error) {
	var channel Channel
	if err := v.db.Where("id = ?", id).First(&channel).Error; err != nil {
		return channel, err
	}
	return channel, nil
}

// Members lists the channel's settled members as display snapshots.
func (v *Directory) Members(channelId uint) []models.UserRef {
	var members []ChannelMember
	if err := v.db.
		Where(&ChannelMember{ChannelID: channelId}).
		Where("is_invited = ?", false).
		Preload("Account").
		Find(&members).Error; err != nil {
		return nil
	}
	return lo.Map(members, func(item ChannelMember, _ int) models.UserRef {
		return models.UserRef{
			ID:     item.AccountID,
			Name:   item.Account.Name,
			Nick:   item.Account.Nick,
			Avatar: item.Account.Avatar,
		}
	})
}

// Invited lists pending invitees.
func (v *Directory) Invited(channelId uint) []models.UserRef {
	var members []ChannelMember
	if err := v.db.
		Where(&ChannelMember{ChannelID: channelId}).
		Where("is_invited = ?", true).
		Preload("Account").
		Find(&members).Error; err != nil {
		return nil
	}
	return lo.Map(members, func(item ChannelMember, _ int) models.UserRef {
		return models.UserRef{ID: item.AccountID, Name: item.Account.Name, Nick: item.Account.Nick}
	})
}

func (v *Directory) IsMember(channelId, userId uint) bool {
	var count int64
	if err := v.db.Model(&ChannelMember{}).
		Where("channel_id = ? AND account_id = ? AND is_invited = ?", channelId, userId, false).
		Count(&count).Error; err != nil {
		return false
	}
	return count > 0
}

func (v *Directory) PowerLevel(channelId, userId uint) int {
	var member ChannelMember
	if err := v.db.
		Where(&ChannelMember{ChannelID: channelId, AccountID: userId}).
		First(&member).Error; err != nil {
		return 0
	}
	return member.PowerLevel
}

// AddMember joins the user into the channel; inviting first and joining
// later flips the pending flag in place. Adding an existing member changes
// nothing.
func (v *Directory) AddMember(channelId, userId uint, invited bool) error {
	var member ChannelMember
	err := v.db.Where(&ChannelMember{ChannelID: channelId, AccountID: userId}).First(&member).Error
	if err == nil {
		if member.IsInvited && !invited {
			member.IsInvited = false
			return v.db.Save(&member).Error
		}
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	member = ChannelMember{
		ChannelID: channelId,
		AccountID: userId,
		IsInvited: invited,
	}
	return v.db.Save(&member).Error
}

func (v *Directory) RemoveMember(channelId, userId uint) error {
	return v.db.
		Where(&ChannelMember{ChannelID: channelId, AccountID: userId}).
		Delete(&ChannelMember{}).Error
}

func (v *Directory) SaveAccount(account *Account) error {
	return v.db.Save(account).Error
}

func (v *Directory) SaveChannel(channel *Channel) error {
	return v.db.Save(channel).Error
}
