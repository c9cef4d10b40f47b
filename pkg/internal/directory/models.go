package directory

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type BaseModel struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at" gorm:"index"`
}

type Account struct {
	BaseModel

	Name   string  `json:"name" gorm:"uniqueIndex"`
	Nick   string  `json:"nick"`
	Avatar *string `json:"avatar"`
}

type ChannelType = uint8

const (
	ChannelTypeCommon = ChannelType(iota)
	ChannelTypeDirect
)

type Channel struct {
	BaseModel

	Alias       string          `json:"alias"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Type        ChannelType     `json:"type"`
	IsPublic    bool            `json:"is_public"`
	AccountID   uint            `json:"account_id"`
	Members     []ChannelMember `json:"members"`
}

type NotifyLevel = int8

const (
	NotifyLevelAll = NotifyLevel(iota)
	NotifyLevelMentioned
	NotifyLevelNone
)

type ChannelMember struct {
	BaseModel

	ChannelID  uint                        `json:"channel_id"`
	AccountID  uint                        `json:"account_id"`
	Account    Account                     `json:"account"`
	Notify     NotifyLevel                 `json:"notify"`
	PowerLevel int                         `json:"power_level"`
	IsInvited  bool                        `json:"is_invited"`
	Badges     datatypes.JSONSlice[string] `json:"badges"`
}
