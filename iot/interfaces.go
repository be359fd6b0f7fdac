// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package iot

// DeviceMessenger sends cloud-to-device messages. The MQTT broker implements it.
type DeviceMessenger interface {
	SendToDevice(deviceID string, payload []byte) error
}
