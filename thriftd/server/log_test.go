/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCustomJSONFormatter(t *testing.T) {

	entryTime := time.Date(2026, 10, 16, 9, 30, 15, 0, time.UTC)

	entry := &logrus.Entry{
		Data: logrus.Fields{
			"timestamp": "field timestamp",
			"msg":       "field msg",
			"peer":      "127.0.0.1",
		},
		Time:    entryTime,
		Level:   logrus.WarnLevel,
		Message: "request timeout",
	}

	serialized, err := (&CustomJSONFormatter{}).Format(entry)
	require.NoError(t, err)

	var data map[string]interface{}
	require.NoError(t, json.Unmarshal(serialized, &data))

	assert.Equal(t, "2026-10-16T09:30:15Z", data["timestamp"])
	assert.Equal(t, "field timestamp", data["fields.timestamp"])
	assert.Equal(t, "request timeout", data["msg"])
	assert.Equal(t, "field msg", data["fields.msg"])
	assert.Equal(t, "warning", data["level"])
	assert.Equal(t, "127.0.0.1", data["peer"])

	_, err = time.Parse(time.RFC3339, data["timestamp"].(string))
	assert.NoError(t, err)
}
